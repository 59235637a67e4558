package stream

import "time"

// NodeType identifies a response node variant
type NodeType string

const (
	NodeTextDelta       NodeType = "text_delta"
	NodeToolCallRequest NodeType = "tool_call_request"
	NodeToolCallResult  NodeType = "tool_call_result"
	NodeImageArtifact   NodeType = "image_artifact"
	NodeError           NodeType = "error"
	NodeDone            NodeType = "done"
)

// Node is one element of a turn's response sequence. A turn produces
// zero or more non-terminal nodes followed by exactly one terminal
// node (error or done).
type Node struct {
	Type      NodeType  `json:"type"`
	TurnID    string    `json:"turn_id,omitempty"`
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`

	// Text carries the delta for text_delta nodes
	Text string `json:"text,omitempty"`

	// ToolCall is set on tool_call_request and tool_call_result nodes
	ToolCall *ToolCallInfo `json:"tool_call,omitempty"`

	// Artifact is set on image_artifact nodes
	Artifact *ArtifactInfo `json:"artifact,omitempty"`

	// Error is set on error nodes
	Error *ErrorInfo `json:"error,omitempty"`

	// Usage is set on done nodes
	Usage *Usage `json:"usage,omitempty"`
}

// ToolCallInfo describes a tool invocation surfaced on the stream
type ToolCallInfo struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// ArtifactInfo references a stored artifact such as a screenshot
type ArtifactInfo struct {
	Ref      string `json:"ref"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
}

// ErrorInfo carries an error on the stream. Terminal errors end the
// turn's sequence; non-terminal ones report a recoverable tool or
// sub-agent failure that the turn continues past.
type ErrorInfo struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Terminal bool   `json:"terminal"`
}

// Usage reports token consumption for a completed turn
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// IsTerminal reports whether the node ends the turn's sequence
func (n Node) IsTerminal() bool {
	if n.Type == NodeError {
		return n.Error != nil && n.Error.Terminal
	}
	return n.Type == NodeDone
}

// TextDelta builds a text delta node
func TextDelta(text string) Node {
	return Node{Type: NodeTextDelta, Text: text, Timestamp: time.Now()}
}

// ToolCallRequest builds a node announcing a tool invocation
func ToolCallRequest(id, name string, args map[string]any) Node {
	return Node{
		Type:      NodeToolCallRequest,
		Timestamp: time.Now(),
		ToolCall:  &ToolCallInfo{ID: id, Name: name, Arguments: args},
	}
}

// ToolCallResult builds a node carrying a tool invocation's outcome
func ToolCallResult(id, name, result string, isError bool) Node {
	return Node{
		Type:      NodeToolCallResult,
		Timestamp: time.Now(),
		ToolCall:  &ToolCallInfo{ID: id, Name: name, Result: result, IsError: isError},
	}
}

// ImageArtifact builds a node referencing a stored image
func ImageArtifact(ref, mimeType, caption string) Node {
	return Node{
		Type:      NodeImageArtifact,
		Timestamp: time.Now(),
		Artifact:  &ArtifactInfo{Ref: ref, MimeType: mimeType, Caption: caption},
	}
}

// ErrorNode builds a terminal error node
func ErrorNode(code, message string) Node {
	return Node{
		Type:      NodeError,
		Timestamp: time.Now(),
		Error:     &ErrorInfo{Code: code, Message: message, Terminal: true},
	}
}

// RecoverableErrorNode builds a non-terminal error node reporting a
// failure the turn continues past
func RecoverableErrorNode(code, message string) Node {
	return Node{
		Type:      NodeError,
		Timestamp: time.Now(),
		Error:     &ErrorInfo{Code: code, Message: message},
	}
}

// Done builds the terminal success node
func Done(usage *Usage) Node {
	return Node{Type: NodeDone, Timestamp: time.Now(), Usage: usage}
}
