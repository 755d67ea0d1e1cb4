package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSFrame_ToEvent(t *testing.T) {
	cases := []struct {
		name     string
		frame    wsFrame
		want     FinalityEvent
		accepted bool
	}{
		{
			name:     "finalized forces full fraction",
			frame:    wsFrame{Signature: "sig1", Status: "finalized", FilledFraction: 0.4, Slot: 100},
			want:     FinalityEvent{Handle: "sig1", Outcome: OutcomeFilled, FilledFraction: 1, Slot: 100},
			accepted: true,
		},
		{
			name:     "partial keeps reported fraction",
			frame:    wsFrame{Signature: "sig2", Status: "partial", FilledFraction: 0.6},
			want:     FinalityEvent{Handle: "sig2", Outcome: OutcomePartiallyFilled, FilledFraction: 0.6},
			accepted: true,
		},
		{
			name:     "reverted zeroes the fraction",
			frame:    wsFrame{Signature: "sig3", Status: "reverted", FilledFraction: 0.9},
			want:     FinalityEvent{Handle: "sig3", Outcome: OutcomeReverted, FilledFraction: 0},
			accepted: true,
		},
		{
			name:  "unknown status dropped",
			frame: wsFrame{Signature: "sig4", Status: "processed"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok := tc.frame.toEvent()
			require.Equal(t, tc.accepted, ok)
			if ok {
				assert.Equal(t, tc.want, ev)
			}
		})
	}
}

func TestMarshalFrame_RoundTrips(t *testing.T) {
	for _, ev := range []FinalityEvent{
		{Handle: "sig1", Outcome: OutcomeFilled, FilledFraction: 1, Slot: 5},
		{Handle: "sig2", Outcome: OutcomePartiallyFilled, FilledFraction: 0.25},
		{Handle: "sig3", Outcome: OutcomeReverted},
	} {
		data, err := MarshalFrame(ev)
		require.NoError(t, err)

		var frame wsFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		got, ok := frame.toEvent()
		require.True(t, ok)
		assert.Equal(t, ev, got)
	}
}

func TestWSNotifier_StreamsEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		frames := [][]byte{
			[]byte(`{"signature": "sig1", "status": "finalized", "slot": 100}`),
			[]byte(`{"signature": "sigX", "status": "processed"}`), // dropped
			[]byte(`{"signature": "sig2", "status": "reverted", "slot": 101}`),
		}
		for _, f := range frames {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, f))
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	n := NewWSNotifier("ws" + strings.TrimPrefix(srv.URL, "http"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = n.Run(ctx)
		close(done)
	}()

	ev1 := <-n.Events()
	assert.Equal(t, FinalityEvent{Handle: "sig1", Outcome: OutcomeFilled, FilledFraction: 1, Slot: 100}, ev1)

	ev2 := <-n.Events()
	assert.Equal(t, FinalityEvent{Handle: "sig2", Outcome: OutcomeReverted, Slot: 101}, ev2)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notifier did not stop")
	}

	// The stream closes on shutdown.
	_, open := <-n.Events()
	assert.False(t, open)
}

func TestWSNotifier_ReconnectReapsConnectionWatchers(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		conn.Close() // drop immediately to force a reconnect
	}))
	defer srv.Close()

	n := NewWSNotifier("ws" + strings.TrimPrefix(srv.URL, "http"))
	n.retryBase = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = n.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return conns.Load() >= 2 }, 5*time.Second, time.Millisecond)
	baseline := runtime.NumGoroutine()

	require.Eventually(t, func() bool { return conns.Load() >= 10 }, 5*time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return runtime.NumGoroutine() <= baseline+2 },
		2*time.Second, 10*time.Millisecond, "connection watchers must exit with their connection")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notifier did not stop")
	}
}

func TestStubNotifier_PublishAndClose(t *testing.T) {
	s := NewStubNotifier()
	s.Publish(FinalityEvent{Handle: "h1", Outcome: OutcomeFilled, FilledFraction: 1})

	ev := <-s.Events()
	assert.Equal(t, "h1", ev.Handle)

	s.Close()
	s.Close() // idempotent
	_, open := <-s.Events()
	assert.False(t, open)
}
