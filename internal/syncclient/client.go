// Package syncclient keeps a local projection of a user's rooms in sync with
// a chatsync server: live events arrive over a websocket, gaps are repaired
// with catch-up queries against the history endpoint.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatsync/internal/models"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const (
	readLimit          = 4 << 20
	resyncQueueSize    = 64
	defaultHTTPTimeout = 30 * time.Second
	retryBackoff       = 250 * time.Millisecond
)

var ErrDisconnected = errors.New("syncclient: disconnected")

type Config struct {
	// BaseURL is the API listener, e.g. http://localhost:8080.
	BaseURL string
	Token   string
	// RequestTimeout bounds a single websocket request or catch-up query.
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
	// OnEvent is called after a live event was merged.
	OnEvent func(models.Event)
}

type Client struct {
	cfg        Config
	base       *url.URL
	http       *http.Client
	logger     *slog.Logger
	user       models.User
	projection *Projection

	// catchMu serializes catch-ups so an older page never clears a newer gap.
	catchMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	connDone  chan struct{}
	pending   map[string]chan models.ServerMessage
	buffering map[string][]models.Event

	resync chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial resolves the identity behind the token, opens the event stream and
// catches up every room the user belongs to.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:       cfg,
		base:      base,
		http:      cfg.HTTPClient,
		logger:    cfg.Logger.With("component", "syncclient"),
		pending:   make(map[string]chan models.ServerMessage),
		buffering: make(map[string][]models.Event),
		resync:    make(chan string, resyncQueueSize),
		cancel:    cancel,
	}

	if err := c.getJSON(ctx, "/api/me", &c.user); err != nil {
		cancel()
		return nil, fmt.Errorf("resolve identity: %w", err)
	}
	c.projection = NewProjection(c.user.ID)

	c.wg.Go(func() { c.resyncLoop(runCtx) })

	if err := c.connect(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) User() models.User { return c.user }

func (c *Client) Projection() *Projection { return c.projection }

// Done is closed when the current connection is lost.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connDone
}

// Reconnect opens a new event stream and catches up every room known before
// the disconnect as well as rooms joined meanwhile.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	old := c.conn
	c.mu.Unlock()
	if old != nil {
		_ = old.Close(websocket.StatusNormalClosure, "reconnect")
	}
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	var chats []models.Chat
	if err := c.getJSON(ctx, "/api/rooms", &chats); err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}

	rooms := c.projection.Rooms()
	for _, chat := range chats {
		c.projection.Track(chat.ID)
		rooms = append(rooms, chat.ID)
	}

	// Live events of every room are held back until its catch-up is merged.
	c.mu.Lock()
	for _, id := range rooms {
		if _, ok := c.buffering[id]; !ok {
			c.buffering[id] = nil
		}
	}
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.wsURL(), &websocket.DialOptions{
		HTTPHeader: http.Header{"token": []string{c.cfg.Token}},
	})
	if err != nil {
		c.flushAll()
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.connDone = done
	c.mu.Unlock()

	c.wg.Go(func() { c.readLoop(conn, done) })

	var errs []error
	for _, id := range uniq(rooms) {
		if err := c.catchUp(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("catch up %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops the background workers and closes the connection.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client close")
	}
	c.wg.Wait()
	return err
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		close(done)
		c.failPending()
	}()
	ctx := context.Background()
	for {
		var msg models.ServerMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if !isExpectedDisconnect(ctx, err) {
				c.logger.Warn("read loop exit", "error", err)
			}
			return
		}
		if msg.IsEvent() {
			c.handleEvent(msg.Event())
			continue
		}
		c.resolve(msg)
	}
}

func (c *Client) handleEvent(e models.Event) {
	c.mu.Lock()
	if buf, ok := c.buffering[e.RoomID]; ok && e.RoomID != "" {
		c.buffering[e.RoomID] = append(buf, e)
		c.mu.Unlock()
		return
	}
	stale := c.applyLocked(e)
	c.mu.Unlock()

	if stale {
		c.requestResync(e.RoomID)
	}
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(e)
	}
}

// applyLocked merges the event and reports whether the room just became stale.
func (c *Client) applyLocked(e models.Event) bool {
	was := c.projection.NeedsResync(e.RoomID)
	c.projection.Apply(e)
	return !was && c.projection.NeedsResync(e.RoomID)
}

// catchUp queries the room from its cursor, merges the page and then replays
// the live events buffered meanwhile. Events already covered by the page are
// dropped by the revision check.
func (c *Client) catchUp(ctx context.Context, roomID string) error {
	c.catchMu.Lock()
	defer c.catchMu.Unlock()

	c.mu.Lock()
	if _, ok := c.buffering[roomID]; !ok {
		c.buffering[roomID] = nil
	}
	c.mu.Unlock()

	seq, rev, ok := c.projection.Cursor(roomID)
	if !ok {
		c.projection.Track(roomID)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var page struct {
		Messages []models.Message `json:"messages"`
		HeadSeq  uint64           `json:"headSeq"`
		HeadRev  uint64           `json:"headRev"`
	}
	q := url.Values{}
	q.Set("since", strconv.FormatUint(seq, 10))
	q.Set("sinceRev", strconv.FormatUint(rev, 10))
	err := c.getJSON(ctx, "/api/rooms/"+url.PathEscape(roomID)+"/history?"+q.Encode(), &page)
	switch {
	case err == nil:
		c.projection.Merge(roomID, page.Messages, page.HeadSeq, page.HeadRev)
	case errors.Is(err, models.ErrNotAMember), errors.Is(err, models.ErrRoomNotFound):
		c.projection.Forget(roomID)
		c.mu.Lock()
		delete(c.buffering, roomID)
		c.mu.Unlock()
		return nil
	}

	c.flush(roomID)
	return err
}

func (c *Client) flush(roomID string) {
	c.mu.Lock()
	buf := c.buffering[roomID]
	delete(c.buffering, roomID)
	stale := false
	for _, e := range buf {
		if c.applyLocked(e) {
			stale = true
		}
	}
	c.mu.Unlock()

	if stale {
		c.requestResync(roomID)
	}
	if c.cfg.OnEvent != nil {
		for _, e := range buf {
			c.cfg.OnEvent(e)
		}
	}
}

func (c *Client) flushAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.buffering))
	for id := range c.buffering {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.flush(id)
	}
}

func (c *Client) requestResync(roomID string) {
	select {
	case c.resync <- roomID:
	default:
		c.logger.Warn("resync queue full", "room_id", roomID)
	}
}

func (c *Client) resyncLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case roomID := <-c.resync:
			if !c.projection.NeedsResync(roomID) {
				continue
			}
			if err := c.catchUp(ctx, roomID); err != nil {
				c.logger.Warn("resync failed", "room_id", roomID, "error", err)
			}
		}
	}
}

// Request sends a frame and waits for its ack, error or history reply.
// An error reply is returned as a *models.Error.
func (c *Client) Request(ctx context.Context, msg models.ClientMessage) (models.ServerMessage, error) {
	if msg.RequestID == "" {
		msg.RequestID = uuid.NewString()
	}
	reply := make(chan models.ServerMessage, 1)

	c.mu.Lock()
	conn, done := c.conn, c.connDone
	if conn == nil {
		c.mu.Unlock()
		return models.ServerMessage{}, ErrDisconnected
	}
	c.pending[msg.RequestID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, conn, msg); err != nil {
		return models.ServerMessage{}, fmt.Errorf("write %s: %w", msg.Type, err)
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return models.ServerMessage{}, ErrDisconnected
		}
		if resp.Error != nil {
			return resp, resp.Error.Err()
		}
		return resp, nil
	case <-done:
		return models.ServerMessage{}, ErrDisconnected
	case <-ctx.Done():
		return models.ServerMessage{}, ctx.Err()
	}
}

// Send posts a text message. The generated client id makes a retry of the
// same call collapse into the original message.
func (c *Client) Send(ctx context.Context, roomID, content string) (models.Message, error) {
	clientID := uuid.NewString()
	var (
		resp models.ServerMessage
		err  error
	)
	for attempt := 0; attempt < 2; attempt++ {
		resp, err = c.Request(ctx, models.ClientMessage{
			Type:     models.ClientMessageSend,
			RoomID:   roomID,
			ClientID: clientID,
			Content:  content,
		})
		if !retryable(err) {
			break
		}
		select {
		case <-ctx.Done():
			return models.Message{}, ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
	if err != nil {
		return models.Message{}, err
	}
	if resp.Message == nil {
		return models.Message{}, fmt.Errorf("send: ack without message")
	}
	return *resp.Message, nil
}

// Act applies an overlay action such as react, edit or delete to a message.
func (c *Client) Act(ctx context.Context, action models.ClientMessage) (models.Message, error) {
	if !action.Type.IsOverlay() {
		return models.Message{}, fmt.Errorf("%s is not a message action", action.Type)
	}
	resp, err := c.Request(ctx, action)
	if err != nil {
		return models.Message{}, err
	}
	if resp.Message == nil {
		return models.Message{}, nil
	}
	return *resp.Message, nil
}

func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool) error {
	t := models.ClientMessageTypingStop
	if typing {
		t = models.ClientMessageTypingStart
	}
	_, err := c.Request(ctx, models.ClientMessage{Type: t, RoomID: roomID})
	return err
}

func (c *Client) resolve(msg models.ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reply, ok := c.pending[msg.RequestID]
	if !ok {
		if msg.Error != nil {
			c.logger.Warn("unsolicited error", "code", msg.Error.Code, "message", msg.Error.Message)
		}
		return
	}
	// Replies are buffered by one, failPending may close the channel only
	// after it left the map.
	delete(c.pending, msg.RequestID)
	reply <- msg
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, reply := range c.pending {
		close(reply)
		delete(c.pending, id)
	}
}

func (c *Client) wsURL() string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/api/chat"
	return u.String()
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(c.base.String(), "/")+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("token", c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return models.Unavailable("request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var eb models.ErrorBody
		if json.Unmarshal(body, &eb) == nil && eb.Code != "" {
			return eb.Err()
		}
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	return json.Unmarshal(body, out)
}

func retryable(err error) bool {
	var ce *models.Error
	return errors.As(err, &ce) && ce.Kind == models.KindUnavailable
}

func isExpectedDisconnect(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx != nil && ctx.Err() != nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}

func uniq(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
