package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// RequestHandler handles incoming control requests from Claude Code CLI.
// It receives the request ID and control request, and should eventually call
// SendControlResponse.
type RequestHandler func(requestID string, req *ControlRequest)

// Client handles Claude Code CLI communication over stdin/stdout streams.
// It reads streaming JSON from stdout and writes user messages and control
// responses to stdin.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	requestHandler RequestHandler

	messages chan *CLIMessage

	mu      sync.Mutex
	stdinMu sync.Mutex
	done    chan struct{}
}

// NewClient creates a new Claude Code CLI client.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:    stdin,
		stdout:   stdout,
		logger:   log.WithFields(zap.String("component", "claudecode-client")),
		messages: make(chan *CLIMessage, 64),
		done:     make(chan struct{}),
	}
}

// SetRequestHandler sets the handler for incoming control requests. Requests
// arriving while no handler is attached are denied.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandler = handler
}

// Messages returns the stream of non-control messages from the CLI.
// The channel is closed when stdout reaches EOF or the client is stopped.
func (c *Client) Messages() <-chan *CLIMessage {
	return c.messages
}

// Start begins reading from stdout in a goroutine.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop stops the client.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// SendUserMessage sends a user prompt to Claude Code CLI.
func (c *Client) SendUserMessage(input UserInput) error {
	msg := &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: input.Blocks(),
		},
	}
	return c.send(msg)
}

// SendControlResponse sends a control response to Claude Code CLI.
func (c *Client) SendControlResponse(resp *ControlResponseMessage) error {
	return c.send(resp)
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.messages)

	scanner := bufio.NewScanner(c.stdout)
	// Allow for large JSON messages (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(ctx, line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Debug("read loop ended", zap.Error(err))
	}
}

func (c *Client) handleLine(ctx context.Context, line []byte) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("failed to parse message", zap.Error(err), zap.String("line", string(line)))
		return
	}
	raw := make([]byte, len(line))
	copy(raw, line)
	msg.Raw = raw

	// Control requests (permission prompts) bypass the message stream.
	if msg.Type == MessageTypeControlRequest && msg.Request != nil {
		c.mu.Lock()
		handler := c.requestHandler
		c.mu.Unlock()
		if handler != nil {
			handler(msg.RequestID, msg.Request)
		} else {
			// No mediator attached: deny so the agent does not hang.
			_ = c.SendControlResponse(&ControlResponseMessage{
				Type:      MessageTypeControlResponse,
				RequestID: msg.RequestID,
				Response: &ControlResponse{
					Subtype: "success",
					Result:  &PermissionResult{Behavior: BehaviorDeny, Message: "no permission handler attached"},
				},
			})
		}
		return
	}

	select {
	case c.messages <- &msg:
	case <-ctx.Done():
	case <-c.done:
	}
}
