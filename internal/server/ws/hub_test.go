package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bidround/internal/domain"
)

type streamBus struct {
	mu      sync.Mutex
	entries []domain.StreamMessage
	reads   []string
	live    chan []byte
}

func (b *streamBus) Publish(context.Context, string, []byte) error { return nil }

func (b *streamBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.live, nil
}

func (b *streamBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *streamBus) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads = append(b.reads, stream+"@"+lastID)
	start := 0
	for i, e := range b.entries {
		if e.ID == lastID {
			start = i + 1
		}
	}
	end := start + count
	if end > len(b.entries) {
		end = len(b.entries)
	}
	return b.entries[start:end], nil
}

func event(round, kind string) []byte {
	return []byte(`{"type":"` + kind + `","round_id":"` + round + `"}`)
}

func startHub(t *testing.T, bus *streamBus) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		Mode:    "api",
		Channel: "rounds",
		Stream:  "stream:rounds",
	})
	go func() { _ = hub.Run(ctx) }()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func next(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestReplayAfterStreamID(t *testing.T) {
	bus := &streamBus{
		live: make(chan []byte, 4),
		entries: []domain.StreamMessage{
			{ID: "1-0", Payload: event("r1", "round.created")},
			{ID: "2-0", Payload: event("r2", "round.created")},
			{ID: "3-0", Payload: event("r1", "contributed")},
		},
	}
	conn := dial(t, startHub(t, bus), "?after=1-0")

	first := next(t, conn)
	assert.Equal(t, "replay", first["type"])
	assert.Equal(t, "2-0", first["id"])
	assert.Equal(t, "r2", first["event"].(map[string]any)["round_id"])

	second := next(t, conn)
	assert.Equal(t, "3-0", second["id"])

	done := next(t, conn)
	assert.Equal(t, "replay_done", done["type"])
	assert.Equal(t, "3-0", done["last_id"])
	assert.EqualValues(t, 2, done["count"])

	assert.Equal(t, "hub_status", next(t, conn)["type"])

	// The live copy of a replayed event is suppressed.
	bus.live <- event("r1", "contributed")
	bus.live <- event("r1", "withdrawn")
	assert.Equal(t, "withdrawn", next(t, conn)["type"])

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Equal(t, []string{"stream:rounds@1-0"}, bus.reads)
}

func TestReplayHonoursRoundFilter(t *testing.T) {
	bus := &streamBus{
		live: make(chan []byte),
		entries: []domain.StreamMessage{
			{ID: "1-0", Payload: event("r1", "round.created")},
			{ID: "2-0", Payload: event("r2", "round.created")},
			{ID: "3-0", Payload: event("r1", "contributed")},
		},
	}
	conn := dial(t, startHub(t, bus), "?round=r1&after=0")

	assert.Equal(t, "1-0", next(t, conn)["id"])
	assert.Equal(t, "3-0", next(t, conn)["id"])
	done := next(t, conn)
	assert.Equal(t, "replay_done", done["type"])
	assert.Equal(t, "3-0", done["last_id"])
	assert.EqualValues(t, 2, done["count"])
}

func TestNoReplayWithoutAfter(t *testing.T) {
	bus := &streamBus{
		live:    make(chan []byte),
		entries: []domain.StreamMessage{{ID: "1-0", Payload: event("r1", "round.created")}},
	}
	conn := dial(t, startHub(t, bus), "")

	assert.Equal(t, "hub_status", next(t, conn)["type"])
	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Empty(t, bus.reads)
}
