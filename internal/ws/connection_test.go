package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"chatsync/internal/models"
	"chatsync/internal/router"
)

type mockWS struct {
	readCh      chan models.ClientMessage
	writeCh     chan any
	closeCh     chan struct{}
	closeOnce   sync.Once
	closed      bool
	readErr     error
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan models.ClientMessage, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.closeOnce.Do(func() {
		m.closed = true
		close(m.closeCh)
	})
	return nil
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- v
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	if m.readErr != nil {
		err := m.readErr
		m.readErr = nil
		return err
	}
	select {
	case msg, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if ptr, ok := v.(*models.ClientMessage); ok {
			*ptr = msg
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

type everyone struct{}

func (everyone) IsMember(string, string) bool { return true }

func (everyone) RoomsOf(string) []string { return []string{"chat1"} }

func (everyone) Peers(userID string) map[string]struct{} { return map[string]struct{}{userID: {}} }

type mockHub struct {
	router     *router.Router
	joinCh     chan string
	leaveCh    chan string
	dispatchCh chan models.ClientMessage
}

func newMockHub() *mockHub {
	return &mockHub{
		router:     router.New(everyone{}, nil),
		joinCh:     make(chan string, 10),
		leaveCh:    make(chan string, 10),
		dispatchCh: make(chan models.ClientMessage, 10),
	}
}

func (m *mockHub) Join(userID string) *router.Session {
	m.joinCh <- userID
	return m.router.Connect(userID)
}

func (m *mockHub) Leave(session *router.Session) {
	m.leaveCh <- session.UserID
	m.router.Disconnect(session.ID)
}

func (m *mockHub) Dispatch(_ context.Context, _ *router.Session, msg models.ClientMessage) models.ServerMessage {
	m.dispatchCh <- msg
	if msg.Type == "" {
		return models.ErrorMessage(msg.RequestID, models.InvalidRequest("bad frame"))
	}
	return models.ServerMessage{Type: string(models.ServerMessageAck), RequestID: msg.RequestID}
}

func TestConnection_Lifecycle(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	userID := "user1"

	conn := NewConnection(hub, ws, userID)
	if conn == nil {
		t.Fatal("NewConnection returned nil")
	}

	select {
	case id := <-hub.joinCh:
		if id != userID {
			t.Errorf("Expected Join with %s, got %s", userID, id)
		}
	default:
		t.Error("Join not called on NewConnection")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	// Client -> Hub, the reply goes back to the same socket.
	ws.readCh <- models.ClientMessage{
		Type:      models.ClientMessageSend,
		RequestID: "r1",
		RoomID:    "chat1",
		Content:   "hello",
	}

	select {
	case received := <-hub.dispatchCh:
		if received.Content != "hello" {
			t.Errorf("Hub received wrong content: %v", received)
		}
	case <-time.After(1 * time.Second):
		t.Error("Hub did not receive dispatched message")
	}

	select {
	case received := <-ws.writeCh:
		reply, ok := received.(models.ServerMessage)
		if !ok {
			t.Fatalf("WS received wrong type: %T", received)
		}
		if reply.Type != string(models.ServerMessageAck) || reply.RequestID != "r1" {
			t.Errorf("WS received wrong reply: %+v", reply)
		}
	case <-time.After(1 * time.Second):
		t.Error("WS did not receive reply")
	}

	// Router -> Client
	hub.router.Deliver(models.Event{
		Type:     models.EventMessageSent,
		RoomID:   "chat1",
		Actor:    "user2",
		Sequence: 7,
		Payload:  models.Payload{Message: &models.Message{ID: "m7", Content: "hi back"}},
	})

	select {
	case received := <-ws.writeCh:
		sMsg, ok := received.(models.ServerMessage)
		if !ok {
			t.Fatalf("WS received wrong type: %T", received)
		}
		if !sMsg.IsEvent() || sMsg.Sequence != 7 || sMsg.Payload.Message.Content != "hi back" {
			t.Errorf("WS received wrong event: %+v", sMsg)
		}
	case <-time.After(1 * time.Second):
		t.Error("WS did not receive server event")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return after cancel")
	}

	select {
	case id := <-hub.leaveCh:
		if id != userID {
			t.Errorf("Expected Leave with %s, got %s", userID, id)
		}
	default:
		t.Error("Leave not called")
	}

	if !ws.closed {
		t.Error("WS Close not called")
	}
	if hub.router.Connected(userID) {
		t.Error("session still registered after Leave")
	}
}

func TestConnection_MalformedFrame(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	ws.readErr = &json.SyntaxError{}

	conn := NewConnection(hub, ws, "user3")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	select {
	case received := <-ws.writeCh:
		reply := received.(models.ServerMessage)
		if reply.Error == nil || reply.Error.Code != models.CodeInvalidRequest {
			t.Errorf("expected invalid request error, got %+v", reply)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("malformed frame was not answered")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Handle returned error: %v", err)
	}
}

func TestConnection_WSError(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	userID := "user2"

	conn := NewConnection(hub, ws, userID)

	// Simulate ReadJSON error immediately
	ws.errToReturn = errors.New("read error")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return on error")
	}

	if !ws.closed {
		t.Error("WS Close not called")
	}
}
