package litellm

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/restackd/restack/internal/domain/job"
	"github.com/restackd/restack/internal/port/converter"
	"github.com/restackd/restack/internal/resilience"
)

func completionResponse(t *testing.T, payload string) []byte {
	t.Helper()
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": payload}},
		},
	}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	return data
}

func convertRequest() converter.Request {
	return converter.Request{
		TaskID:      "t1",
		Description: "convert handlers",
		SourceStack: "django",
		TargetStack: "go-chi",
	}
}

func TestConvertSuccess(t *testing.T) {
	payload := `{"files":[{"path":"handler.go","action":"create","content":"package api"},
		{"path":"old.py","action":"delete"}],
		"confidence":0.85,"warnings":["check routing"],"suggestions":["add tests"]}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing auth header, got %q", got)
		}
		var chat chatRequest
		if err := json.NewDecoder(r.Body).Decode(&chat); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if chat.ResponseFormat == nil || chat.ResponseFormat.Type != "json_object" {
			t.Error("json mode not requested")
		}
		_, _ = w.Write(completionResponse(t, payload))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", "openai/gpt-4o", time.Second)
	res, err := c.Convert(t.Context(), convertRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(res.Files) != 2 {
		t.Fatalf("expected 2 file changes, got %d", len(res.Files))
	}
	if res.Files[0].Type != job.ChangeCreate || res.Files[0].After != "package api" {
		t.Fatalf("create change mangled: %+v", res.Files[0])
	}
	if res.Files[1].Type != job.ChangeDelete {
		t.Fatalf("delete change mangled: %+v", res.Files[1])
	}
	if res.Confidence != 0.85 || len(res.Warnings) != 1 || len(res.Suggestions) != 1 {
		t.Fatalf("metadata mangled: %+v", res)
	}
}

func TestConvertStatusClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, converter.ErrRateLimited},
		{"server error", http.StatusInternalServerError, converter.ErrUnavailable},
		{"bad gateway", http.StatusBadGateway, converter.ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "", "m", time.Second)
			_, err := c.Convert(t.Context(), convertRequest())
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestConvertClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "m", time.Second)
	_, err := c.Convert(t.Context(), convertRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if converter.IsTransient(err) {
		t.Fatalf("auth failure must not be transient: %v", err)
	}
}

func TestConvertMalformedPayload(t *testing.T) {
	cases := []struct {
		name string
		body func(t *testing.T) []byte
	}{
		{"invalid completion", func(*testing.T) []byte { return []byte("not json") }},
		{"no choices", func(*testing.T) []byte { return []byte(`{"choices":[]}`) }},
		{"non-json content", func(t *testing.T) []byte { return completionResponse(t, "I cannot do that") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write(tc.body(t))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "", "m", time.Second)
			_, err := c.Convert(t.Context(), convertRequest())
			if !errors.Is(err, converter.ErrMalformedOutput) {
				t.Fatalf("expected ErrMalformedOutput, got %v", err)
			}
		})
	}
}

func TestConvertConnectionRefused(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "", "m", 200*time.Millisecond)
	_, err := c.Convert(t.Context(), convertRequest())
	if !errors.Is(err, converter.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestConvertBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "m", time.Second)
	c.SetBreaker(resilience.NewBreaker(2, time.Minute))

	for i := 0; i < 2; i++ {
		if _, err := c.Convert(t.Context(), convertRequest()); !errors.Is(err, converter.ErrUnavailable) {
			t.Fatalf("call %d: expected ErrUnavailable, got %v", i, err)
		}
	}
	if _, err := c.Convert(t.Context(), convertRequest()); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestFileChangeUnknownAction(t *testing.T) {
	fc := fileChange("a.go", "rename", "content", "")
	if fc.Type != job.ChangeUpdate {
		t.Fatalf("unknown action must default to update, got %s", fc.Type)
	}
}
