package domain

// StreamEvent is the unified event every backend stream is normalized to.
//
// Exactly one event per stream has Done set and it is the last one sent.
// A stream that fails in transport ends instead with a single event whose
// Err is set; Done is false on that event.
type StreamEvent struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Done      bool       `json:"done,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
	Err       error      `json:"-"`
}

// Terminal reports whether no further events follow e.
func (e StreamEvent) Terminal() bool { return e.Done || e.Err != nil }

// PullProgress is one status line of a model download.
type PullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Err       error  `json:"-"`
}

// ModelSummary is one locally available model.
type ModelSummary struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
	ModifiedAt string `json:"modified_at"`
}

// ModelInfo is the detail returned for a single model.
type ModelInfo struct {
	License    string `json:"license"`
	Modelfile  string `json:"modelfile"`
	Parameters string `json:"parameters"`
	Template   string `json:"template"`
}
