package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"chatsync/internal/models"
	"chatsync/internal/router"
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

type messageHub interface {
	Join(userID string) *router.Session
	Leave(session *router.Session)
	Dispatch(ctx context.Context, session *router.Session, msg models.ClientMessage) models.ServerMessage
}

// Connection serves one websocket. All writes happen in the main loop, so
// replies and events never interleave on the wire.
type Connection struct {
	ws         wsConnection
	hub        messageHub
	session    *router.Session
	fromClient chan models.ClientMessage
	fromServer chan models.Event
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	userID string,
) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		session:    hub.Join(userID),
		fromClient: make(chan models.ClientMessage),
		fromServer: make(chan models.Event),
		errorCh:    make(chan error, 3),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		close(c.errorCh)
		c.hub.Leave(c.session)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.pumpEvents(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, router.ErrClosed) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !isDecodeError(err) {
				return err
			}
			// An empty frame fails validation and is answered with an error.
			msg = models.ClientMessage{}
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) pumpEvents(ctx context.Context) error {
	for {
		e, err := c.session.Next(ctx)
		if err != nil {
			return err
		}
		select {
		case c.fromServer <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			reply := c.hub.Dispatch(ctx, c.session, msg)
			if err := c.ws.WriteJSON(reply); err != nil {
				return err
			}
		case e := <-c.fromServer:
			if err := c.ws.WriteJSON(models.EventMessage(e)); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
