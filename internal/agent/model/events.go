package model

// EventType tags a progress event emitted by a run.
type EventType string

const (
	EventNodeStart   EventType = "node_start"
	EventNodeEnd     EventType = "node_end"
	EventToolStart   EventType = "tool_start"
	EventToolEnd     EventType = "tool_end"
	EventFinalAnswer EventType = "final_answer"
	EventError       EventType = "error"
	EventEnd         EventType = "end"
)

// Tool status values carried by EventToolEnd in Event.Text.
const (
	ToolStatusOK       = "ok"
	ToolStatusError    = "error"
	ToolStatusNotFound = "not_found"
)

// Event is one entry of a run's progress stream. Only the fields relevant
// to a given Type are populated.
type Event struct {
	Type  EventType `json:"type"`
	RunID string    `json:"run_id"`
	Node  string    `json:"node,omitempty"`
	Tool  string    `json:"tool,omitempty"`
	// Text is the answer for final_answer, the message for error and the
	// status for tool_end.
	Text        string       `json:"content,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	// Err is the underlying error of an error event.
	Err error `json:"-"`
	// State is the final run state, set only on the end event of a run that
	// completed successfully.
	State *RunState `json:"-"`
}
