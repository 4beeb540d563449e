// Package journal reads the agent's append-only JSONL session records.
//
// The journal is written exclusively by the Claude Code CLI; this package
// never writes to it. Entry content is carried through verbatim — only the
// type tag, uuid, parent uuid, session id and sidechain flag are interpreted.
package journal

import "encoding/json"

// Entry type tags found in journal files.
const (
	TypeUser                = "user"
	TypeAssistant           = "assistant"
	TypeSummary             = "summary"
	TypeSystem              = "system"
	TypeFileHistorySnapshot = "file-history-snapshot"
	TypeQueueOperation      = "queue-operation"

	// TypeParseError tags synthetic entries for journal lines that failed to
	// parse. They surface to the UI but never break the read path.
	TypeParseError = "x-error"
)

// Entry is one journal line. Raw holds the full original JSON; the exported
// fields are the subset the core interprets.
type Entry struct {
	Type              string   `json:"type"`
	UUID              string   `json:"uuid,omitempty"`
	ParentUUID        *string  `json:"parentUuid,omitempty"`
	SessionID         string   `json:"sessionId,omitempty"`
	Timestamp         string   `json:"timestamp,omitempty"`
	IsSidechain       bool     `json:"isSidechain,omitempty"`
	IsAPIErrorMessage bool     `json:"isApiErrorMessage,omitempty"`
	LeafUUID          string   `json:"leafUuid,omitempty"`
	Message           *Message `json:"message,omitempty"`

	// For x-error entries
	Line       string `json:"line,omitempty"`
	LineNumber int    `json:"lineNumber,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// MarshalJSON emits the original journal line verbatim when available, so
// unknown fields and unknown entry types survive the round trip.
func (e *Entry) MarshalJSON() ([]byte, error) {
	if len(e.Raw) > 0 {
		return e.Raw, nil
	}
	type alias Entry
	return json.Marshal((*alias)(e))
}

// Message is the inner message of user and assistant entries. Content is kept
// raw because it is either a plain string or a block array; use ContentBlocks
// to normalize.
type Message struct {
	Role    string          `json:"role,omitempty"`
	Model   string          `json:"model,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// Usage is the token accounting attached to assistant messages.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ContextTokens is the token count that occupies the model's context window.
func (u *Usage) ContextTokens() int64 {
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// ContentBlock is one block of a message content array.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ContentBlocks normalizes the message content to a block list. A plain
// string becomes a single text block.
func (m *Message) ContentBlocks() []ContentBlock {
	if len(m.Content) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return []ContentBlock{{Type: "text", Text: s}}
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// PlainText returns the concatenated text blocks of the message, skipping
// tool_result bodies and thinking.
func (m *Message) PlainText() string {
	var out string
	for _, b := range m.ContentBlocks() {
		if b.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}
