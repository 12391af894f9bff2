package messagequeue

// JobDispatchPayload is the schema for jobs.dispatch messages.
type JobDispatchPayload struct {
	JobID     string `json:"job_id"`
	ProjectID string `json:"project_id"`
	// Resume is set when the dispatch continues a paused or recovered job
	// rather than starting a fresh one.
	Resume bool `json:"resume,omitempty"`
}

// Control actions carried on jobs.control messages.
const (
	ControlPause  = "pause"
	ControlResume = "resume"
	ControlCancel = "cancel"
)

// JobControlPayload is the schema for jobs.control messages. Control messages
// fan out to every worker; only the worker running the job acts on one.
type JobControlPayload struct {
	JobID  string `json:"job_id"`
	Action string `json:"action"`
}

// JobProgressPayload is the schema for jobs.progress messages. Origin
// identifies the publishing process so it can skip its own messages when
// re-delivering remote events to local listeners.
type JobProgressPayload struct {
	Origin     string `json:"origin,omitempty"`
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	Activity   string `json:"activity,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	TaskStatus string `json:"task_status,omitempty"`
	Error      string `json:"error,omitempty"`
}
