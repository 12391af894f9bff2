// Package litellm implements the converter port against a LiteLLM proxy.
// One Convert call maps to one chat completion in JSON mode.
package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/restackd/restack/internal/port/converter"
	"github.com/restackd/restack/internal/resilience"
)

const systemPrompt = `You are a code conversion engine. Convert the given source
excerpt from the source stack to the target stack. Respond with a single JSON
object: {"files":[{"path":...,"action":"create|update|delete","content":...,
"before":...}],"confidence":0..1,"warnings":[...],"suggestions":[...]}.`

// Client talks to a LiteLLM proxy's OpenAI-compatible completion API.
type Client struct {
	baseURL    string
	masterKey  string
	model      string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a converter client. timeout bounds a single HTTP exchange;
// the executor applies the per-task timeout on top via ctx.
func NewClient(baseURL, masterKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL:   baseURL,
		masterKey: masterKey,
		model:     model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// conversionPayload is the JSON object the model is instructed to produce.
type conversionPayload struct {
	Files []struct {
		Path    string `json:"path"`
		Action  string `json:"action"`
		Content string `json:"content"`
		Before  string `json:"before,omitempty"`
	} `json:"files"`
	Confidence  float64  `json:"confidence"`
	Warnings    []string `json:"warnings"`
	Suggestions []string `json:"suggestions"`
}

// Convert sends one conversion request and parses the structured reply.
func (c *Client) Convert(ctx context.Context, req converter.Request) (*converter.Result, error) {
	userContent, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal convert request: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(userContent)},
		},
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	data, err := c.doRequest(ctx, "/v1/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var chat chatResponse
	if err := json.Unmarshal(data, &chat); err != nil {
		return nil, fmt.Errorf("parse completion: %w", converter.ErrMalformedOutput)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("empty completion: %w", converter.ErrMalformedOutput)
	}

	var payload conversionPayload
	if err := json.Unmarshal([]byte(chat.Choices[0].Message.Content), &payload); err != nil {
		return nil, fmt.Errorf("parse conversion payload: %w", converter.ErrMalformedOutput)
	}

	return payload.toResult(), nil
}

func (p *conversionPayload) toResult() *converter.Result {
	res := &converter.Result{
		Confidence:  p.Confidence,
		Warnings:    p.Warnings,
		Suggestions: p.Suggestions,
	}
	for _, f := range p.Files {
		res.Files = append(res.Files, fileChange(f.Path, f.Action, f.Content, f.Before))
	}
	return res
}

func (c *Client) doRequest(ctx context.Context, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if c.masterKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.masterKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", converter.ErrUnavailable)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", converter.ErrUnavailable)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("litellm API error %d: %w", resp.StatusCode, converter.ErrRateLimited)
		case resp.StatusCode >= 500:
			return fmt.Errorf("litellm API error %d: %w", resp.StatusCode, converter.ErrUnavailable)
		case resp.StatusCode >= 400:
			// Bad request or auth failure: retrying will not help.
			return fmt.Errorf("litellm API error %d: %s", resp.StatusCode, string(data))
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}
