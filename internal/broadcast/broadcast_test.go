package broadcast

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devproxy/devproxy/internal/models"
)

func event(id string) models.ProxyEvent {
	return models.ProxyEvent{ID: id, Method: "GET", Path: "/x", TargetURL: "cache", Status: 200}
}

func receive(t *testing.T, o *Observer) models.ProxyEvent {
	t.Helper()
	select {
	case data := <-o.Events():
		var e models.ProxyEvent
		require.NoError(t, json.Unmarshal(data, &e))
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return models.ProxyEvent{}
	}
}

func TestBroadcastReachesEveryObserver(t *testing.T) {
	b := New(Options{})
	one, err := b.Subscribe()
	require.NoError(t, err)
	two, err := b.Subscribe()
	require.NoError(t, err)

	b.Broadcast(event("e1"))

	assert.Equal(t, "e1", receive(t, one).ID)
	assert.Equal(t, "e1", receive(t, two).ID)
	assert.Equal(t, 2, b.Count())
}

func TestFullObserverIsSkippedWithoutBlocking(t *testing.T) {
	b := New(Options{BufferSize: 1})
	slow, err := b.Subscribe()
	require.NoError(t, err)
	fast, err := b.Subscribe()
	require.NoError(t, err)

	b.Broadcast(event("e1"))
	assert.Equal(t, "e1", receive(t, fast).ID)

	done := make(chan struct{})
	go func() {
		b.Broadcast(event("e2"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full observer")
	}

	assert.Equal(t, "e1", receive(t, slow).ID)
	select {
	case <-slow.Events():
		t.Fatal("slow observer should have missed e2")
	default:
	}
	assert.Equal(t, "e2", receive(t, fast).ID)
}

func TestNoReplayForLateObservers(t *testing.T) {
	b := New(Options{History: NewHistory(10)})
	b.Broadcast(event("early"))

	late, err := b.Subscribe()
	require.NoError(t, err)

	select {
	case <-late.Events():
		t.Fatal("late observer received an old event")
	default:
	}
	assert.Len(t, b.history.List(0), 1)
}

func TestUnsubscribeAndClose(t *testing.T) {
	b := New(Options{})
	o, err := b.Subscribe()
	require.NoError(t, err)

	b.Unsubscribe(o)
	b.Unsubscribe(o)
	_, open := <-o.Events()
	assert.False(t, open)

	other, err := b.Subscribe()
	require.NoError(t, err)
	b.Close()
	_, open = <-other.Events()
	assert.False(t, open)
	assert.Equal(t, 0, b.Count())

	_, err = b.Subscribe()
	assert.ErrorIs(t, err, ErrClosed)

	b.Broadcast(event("after-close"))
}

func TestHistoryKeepsMostRecent(t *testing.T) {
	h := NewHistory(3)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		h.Add(event(id))
	}

	ids := func(events []models.ProxyEvent) []string {
		out := []string{}
		for _, e := range events {
			out = append(out, e.ID)
		}
		return out
	}

	assert.Equal(t, []string{"c", "d", "e"}, ids(h.List(0)))
	assert.Equal(t, []string{"d", "e"}, ids(h.List(2)))

	h.Clear()
	assert.Empty(t, h.List(0))
}

func TestWebSocketObserver(t *testing.T) {
	b := New(Options{})
	srv := httptest.NewServer(http.HandlerFunc(b.ServeWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return b.Count() == 1 }, time.Second, 10*time.Millisecond)
	b.Broadcast(event("ws"))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var e models.ProxyEvent
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, "ws", e.ID)

	conn.Close()
	require.Eventually(t, func() bool { return b.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSSEObserver(t *testing.T) {
	b := New(Options{})
	srv := httptest.NewServer(http.HandlerFunc(b.ServeSSE))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return b.Count() == 1 }, time.Second, 10*time.Millisecond)
	b.Broadcast(event("sse"))

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			var e models.ProxyEvent
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &e))
			assert.Equal(t, "sse", e.ID)
			break
		}
	}

	cancel()
	require.Eventually(t, func() bool { return b.Count() == 0 }, time.Second, 10*time.Millisecond)
}
