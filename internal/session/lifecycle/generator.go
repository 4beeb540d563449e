package lifecycle

import (
	"context"
	"sync"

	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

// Generator feeds user messages to a subprocess on demand. The consumer pulls
// with Next; producers enqueue with SetNextMessage. Messages are yielded in
// FIFO order of SetNextMessage calls, one buffered slot deep.
type Generator struct {
	next chan claudecode.UserInput

	mu       sync.Mutex
	resolved func(claudecode.UserInput)
}

// NewGenerator creates a message generator with one buffered slot, so the
// first message can be queued before the subprocess starts pulling.
func NewGenerator() *Generator {
	return &Generator{next: make(chan claudecode.UserInput, 1)}
}

// OnResolved installs the hook fired the moment a message is consumed. The
// lifecycle uses it to step the state machine to not_initialized.
func (g *Generator) OnResolved(fn func(claudecode.UserInput)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resolved = fn
}

// SetNextMessage enqueues the next user message. Blocks while a previous
// message is still unconsumed, or until ctx is cancelled.
func (g *Generator) SetNextMessage(ctx context.Context, in claudecode.UserInput) error {
	select {
	case g.next <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next blocks until a message is available, fires the resolved hook and
// returns the message.
func (g *Generator) Next(ctx context.Context) (claudecode.UserInput, error) {
	select {
	case in := <-g.next:
		g.mu.Lock()
		fn := g.resolved
		g.mu.Unlock()
		if fn != nil {
			fn(in)
		}
		return in, nil
	case <-ctx.Done():
		return claudecode.UserInput{}, ctx.Err()
	}
}
