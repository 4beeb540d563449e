// Package claudecode provides types and client for the Claude Code CLI
// stream-json protocol. Claude Code uses a streaming JSON format over
// stdin/stdout with control requests for permissions.
package claudecode

import "encoding/json"

// Message types from Claude Code CLI
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text or thinking from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeResult is the final result message
	MessageTypeResult = "result"
	// MessageTypeControlRequest is a control request (permission prompt)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
	// MessageTypeUser is a user message (prompt echo)
	MessageTypeUser = "user"
)

// Control request subtypes
const (
	// SubtypeCanUseTool is a permission request for tool use
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeInterrupt interrupts the current operation
	SubtypeInterrupt = "interrupt"
)

// System message subtypes
const (
	// SubtypeInit is the first message of a session, carrying session_id
	SubtypeInit = "init"
)

// Permission behaviors
const (
	// BehaviorAllow allows the tool use
	BehaviorAllow = "allow"
	// BehaviorDeny denies the tool use
	BehaviorDeny = "deny"
)

// Permission modes accepted by the CLI.
const (
	PermissionModeDefault           = "default"
	PermissionModeAcceptEdits       = "acceptEdits"
	PermissionModePlan              = "plan"
	PermissionModeBypassPermissions = "bypassPermissions"
)

// CLIMessage represents messages from Claude Code CLI stdout.
// The message type determines which fields are populated.
type CLIMessage struct {
	// Type is the message type (system, assistant, result, control_request, ...)
	Type string `json:"type"`

	// For system messages
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// For assistant messages
	Message *AssistantMessage `json:"message,omitempty"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For result messages. Result can be either a string (error message) or
	// an object.
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	CostUSD    float64         `json:"total_cost_usd,omitempty"`

	// Raw line for verbatim forwarding
	Raw json.RawMessage `json:"-"`
}

// AssistantMessage contains the assistant's response content.
type AssistantMessage struct {
	Role       string         `json:"role"`
	Model      string         `json:"model,omitempty"`
	Content    []ContentBlock `json:"content,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents a block of content in a message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// For image and document blocks
	Source *BlockSource `json:"source,omitempty"`
}

// BlockSource carries inline attachment data.
type BlockSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// GetResultString returns the Result field as a string when it is one.
func (m *CLIMessage) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// ControlRequest represents a control request from Claude Code CLI.
type ControlRequest struct {
	// Subtype identifies the type of control request
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`

	// Permission suggestions from Claude
	PermissionSuggestions []json.RawMessage `json:"permission_suggestions,omitempty"`
}

// ControlResponseMessage is the message sent to respond to control requests.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the response to a control request.
type ControlResponse struct {
	// Subtype is the response type (success, error)
	Subtype string `json:"subtype"`

	// For success responses
	Result *PermissionResult `json:"result,omitempty"`

	// For error responses
	Error string `json:"error,omitempty"`
}

// PermissionResult is the decision returned for a can_use_tool request.
type PermissionResult struct {
	Behavior string `json:"behavior"` // allow, deny

	// For allow
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`

	// For deny
	Message string `json:"message,omitempty"`
}

// UserMessage is the stdin message carrying a user prompt.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody is the inner message of a user prompt.
type UserMessageBody struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// Attachment is an inline image or document sent alongside a prompt.
type Attachment struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"` // base64
}

// UserInput is the application-level prompt: text plus optional attachments.
type UserInput struct {
	Text      string       `json:"text"`
	Images    []Attachment `json:"images,omitempty"`
	Documents []Attachment `json:"documents,omitempty"`
}

// Blocks converts the input to CLI content blocks: text first, then images,
// then documents.
func (in UserInput) Blocks() []ContentBlock {
	blocks := []ContentBlock{{Type: "text", Text: in.Text}}
	for _, img := range in.Images {
		blocks = append(blocks, ContentBlock{
			Type:   "image",
			Source: &BlockSource{Type: "base64", MediaType: img.MediaType, Data: img.Data},
		})
	}
	for _, doc := range in.Documents {
		blocks = append(blocks, ContentBlock{
			Type:   "document",
			Source: &BlockSource{Type: "base64", MediaType: doc.MediaType, Data: doc.Data},
		})
	}
	return blocks
}
