package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T) *Manager {
	return NewManager(Options{
		WriteWait:  time.Second,
		PongWait:   time.Minute,
		PingPeriod: 30 * time.Second,
	}, zaptest.NewLogger(t))
}

func newTestClient(m *Manager, id string, buffer int) *Client {
	return &Client{ID: id, Manager: m, Send: make(chan []byte, buffer)}
}

func TestSubscriptions(t *testing.T) {
	m := newTestManager(t)
	first := newTestClient(m, "conn-1", 4)
	second := newTestClient(m, "conn-2", 4)
	m.registerClient(first)
	m.registerClient(second)

	m.Subscribe("1234", "b", second)
	m.Subscribe("1234", "a", first)
	m.Subscribe("5678", "a", first)
	require.Equal(t, []string{"a", "b"}, m.Subscribers("1234"))

	sent, err := m.SendTo("1234", "b", Result{Result: "ok"})
	require.NoError(t, err)
	require.True(t, sent)
	require.JSONEq(t, `{"result":"ok"}`, string(<-second.Send))

	sent, err = m.SendTo("1234", "c", Result{Result: "ok"})
	require.NoError(t, err)
	require.False(t, sent)

	m.Unsubscribe("1234", "b")
	require.Equal(t, []string{"a"}, m.Subscribers("1234"))

	m.unregisterClient(first)
	require.Empty(t, m.Subscribers("1234"))
	require.Empty(t, m.Subscribers("5678"))
	_, open := <-first.Send
	require.False(t, open)
	require.Equal(t, 1, m.Connections())
}

func TestSubscribe_UnregisteredClient(t *testing.T) {
	m := newTestManager(t)
	m.Subscribe("1234", "a", newTestClient(m, "conn-1", 1))
	require.Empty(t, m.Subscribers("1234"))
}

func TestSend_FullBufferClosesConnection(t *testing.T) {
	m := newTestManager(t)
	c := newTestClient(m, "conn-1", 1)
	m.registerClient(c)

	require.NoError(t, m.Send(c, Result{Result: "first"}))
	require.NoError(t, m.Send(c, Result{Result: "second"}))

	require.Eventually(t, func() bool {
		return m.Connections() == 0
	}, time.Second, 5*time.Millisecond)
}

type recordingHandler struct {
	messages chan *Message
}

func (h *recordingHandler) HandleWebSocketMessage(_ context.Context, _ *Client, msg *Message) error {
	h.messages <- msg
	return nil
}

func TestRun_DispatchesAndCloses(t *testing.T) {
	m := newTestManager(t)
	h := &recordingHandler{messages: make(chan *Message, 1)}
	m.SetMessageHandler(h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	c := newTestClient(m, "conn-1", 4)
	m.Register <- c
	m.HandleMessage <- &ClientMessage{Client: c, Message: []byte(`{"msgType":"detach","id":"1234","clientId":"a"}`)}

	msg := <-h.messages
	require.Equal(t, MsgTypeDetach, msg.Type())
	require.Equal(t, "1234", msg.ID)

	cancel()
	require.NoError(t, <-done)
	_, open := <-c.Send
	require.False(t, open)
}
