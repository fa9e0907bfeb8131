package graph

import "github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"

// Item is one element of the run's output stream. Tagged union; the
// runtime demultiplexes items into persisted events.
type Item interface {
	itemType() string
}

// NodeStart marks a role node beginning its turn.
type NodeStart struct {
	Node string
}

// NodeEnd marks a role node finishing, carrying its routing decision.
type NodeEnd struct {
	Node     string
	Decision string
}

// StageChange reports a workflow stage transition.
type StageChange struct {
	From models.Stage
	To   models.Stage
}

// StreamDelta is an incremental piece of assistant text.
type StreamDelta struct {
	Node      string
	MessageID string
	Content   string
}

// ToolCallDelta is an incremental tool-call argument fragment.
type ToolCallDelta struct {
	Node      string
	MessageID string
	Index     int
	CallID    string
	Name      string
	Arguments string
}

// MessageDone reports a fully persisted message.
type MessageDone struct {
	Node    string
	Message *models.Message
}

// ToolStart reports a tool invocation beginning.
type ToolStart struct {
	Node string
	Call models.ToolCall
}

// ToolEnd reports a tool invocation finishing.
type ToolEnd struct {
	Node   string
	Call   models.ToolCall
	Result string
}

// Warning reports a recoverable anomaly (invalid transition, cap hit).
type Warning struct {
	Node string
	Text string
}

// Failed terminates the stream after an unrecoverable node error.
type Failed struct {
	Node string
	Err  error
}

func (NodeStart) itemType() string     { return "node_start" }
func (NodeEnd) itemType() string       { return "node_end" }
func (StageChange) itemType() string   { return "stage_change" }
func (StreamDelta) itemType() string   { return "stream_delta" }
func (ToolCallDelta) itemType() string { return "tool_call_delta" }
func (MessageDone) itemType() string   { return "message_done" }
func (ToolStart) itemType() string     { return "tool_start" }
func (ToolEnd) itemType() string       { return "tool_end" }
func (Warning) itemType() string       { return "warning" }
func (Failed) itemType() string        { return "failed" }
