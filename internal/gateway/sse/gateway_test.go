package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
)

type sseFrame struct {
	event   string
	data    string
	comment bool
}

// readFrame reads one SSE frame (terminated by a blank line).
func readFrame(t *testing.T, r *bufio.Reader) sseFrame {
	t.Helper()
	var f sseFrame
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" {
			return f
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		case strings.HasPrefix(line, ":"):
			f.comment = true
		}
	}
}

func sseFixture(t *testing.T) (bus.EventBus, *bufio.Reader, context.CancelFunc) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	srv := httptest.NewServer(NewGateway(eventBus, log))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { cancel(); resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the handler a beat to register its bus subscriptions.
	time.Sleep(50 * time.Millisecond)
	return eventBus, bufio.NewReader(resp.Body), cancel
}

func TestGateway_SessionChangedFrame(t *testing.T) {
	eventBus, r, _ := sseFixture(t)

	payload := &events.SessionChangedPayload{ProjectID: "-work-demo", SessionID: "S1"}
	err := eventBus.Publish(context.Background(), events.SessionChanged,
		bus.NewEvent(events.SessionChanged, "test", payload))
	require.NoError(t, err)

	f := readFrame(t, r)
	assert.Equal(t, "sessionChanged", f.event)

	var got events.SessionChangedPayload
	require.NoError(t, json.Unmarshal([]byte(f.data), &got))
	assert.Equal(t, *payload, got)
}

func TestGateway_HeartbeatIsComment(t *testing.T) {
	eventBus, r, _ := sseFixture(t)

	err := eventBus.Publish(context.Background(), events.Heartbeat,
		bus.NewEvent(events.Heartbeat, "test", &events.HeartbeatPayload{}))
	require.NoError(t, err)

	f := readFrame(t, r)
	assert.True(t, f.comment)
	assert.Empty(t, f.event)
}

func TestGateway_SessionProcessChangedFrame(t *testing.T) {
	eventBus, r, _ := sseFixture(t)

	payload := &events.SessionProcessChangedPayload{
		Processes: []events.SessionProcessSnapshot{
			{ID: "sp-1", ProjectID: "-work-demo", Status: "starting", PermissionMode: "default"},
		},
		Changed: events.SessionProcessSnapshot{ID: "sp-1", ProjectID: "-work-demo", Status: "starting", PermissionMode: "default"},
	}
	err := eventBus.Publish(context.Background(), events.SessionProcessChanged,
		bus.NewEvent(events.SessionProcessChanged, "test", payload))
	require.NoError(t, err)

	f := readFrame(t, r)
	assert.Equal(t, "sessionProcessChanged", f.event)
	assert.Contains(t, f.data, `"sp-1"`)
}

func TestGateway_DisconnectUnsubscribes(t *testing.T) {
	eventBus, _, cancel := sseFixture(t)

	cancel()
	// Publishing after disconnect must not error even while teardown races.
	require.Eventually(t, func() bool {
		err := eventBus.Publish(context.Background(), events.SessionChanged,
			bus.NewEvent(events.SessionChanged, "test",
				&events.SessionChangedPayload{ProjectID: "p", SessionID: "s"}))
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestClient_DropsOrdinaryFramesWhenFull(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	c := newClient(log)
	for i := 0; i < sendBufferSize+10; i++ {
		c.push(frame{event: "sessionChanged", data: []byte(`{}`)}, false)
	}
	assert.Equal(t, sendBufferSize, len(c.frames), "overflow frames are dropped")
}

func TestClient_MustDeliverQueueIsUnbounded(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	c := newClient(log)
	for i := 0; i < sendBufferSize*4; i++ {
		c.push(frame{event: "sessionProcessChanged", data: []byte(`{}`)}, true)
	}
	queued, overflow := c.takeQueued()
	assert.Len(t, queued, sendBufferSize*4)
	assert.False(t, overflow)
}
