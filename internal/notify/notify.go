// Package notify sends web push notifications to members who are not connected.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"chatsync/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const (
	queueSize   = 128
	previewSize = 140
)

// Store keeps push subscriptions.
type Store interface {
	ListPushSubscriptions(userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(sub models.PushSubscription) error
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             int
}

// Enabled reports whether VAPID keys are configured.
func (c Config) Enabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// Sender delivers a single push message.
type Sender func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Payload is the JSON body received by the service worker.
type Payload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

type job struct {
	userID  string
	payload Payload
}

type Notifier struct {
	cfg    Config
	store  Store
	send   Sender
	logger *slog.Logger
	jobs   chan job
}

func New(cfg Config, store Store, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL == 0 {
		cfg.TTL = 60
	}
	return &Notifier{
		cfg:    cfg,
		store:  store,
		send:   webpush.SendNotificationWithContext,
		logger: logger.With("component", "notify"),
		jobs:   make(chan job, queueSize),
	}
}

// MessageSent queues a notification for each recipient. It never blocks;
// notifications that do not fit the queue are dropped.
func (n *Notifier) MessageSent(room models.Room, msg models.Message, recipients []string) {
	if !room.Settings.NotificationsEnabled {
		return
	}
	payload := Payload{
		Title:     room.Name,
		Body:      preview(msg),
		RoomID:    room.ID,
		MessageID: msg.ID,
	}
	for _, userID := range recipients {
		if userID == msg.AuthorID {
			continue
		}
		select {
		case n.jobs <- job{userID: userID, payload: payload}:
		default:
			n.logger.Warn("notification queue full, dropping", "user_id", userID, "room_id", room.ID)
		}
	}
}

// Run delivers queued notifications until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-n.jobs:
			n.deliver(ctx, j)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, j job) {
	subs, err := n.store.ListPushSubscriptions(j.userID)
	if err != nil {
		n.logger.Error("failed to list push subscriptions", "user_id", j.userID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}
	body, err := json.Marshal(j.payload)
	if err != nil {
		n.logger.Error("failed to marshal push payload", "error", err)
		return
	}

	opts := &webpush.Options{
		Subscriber:      n.cfg.Subscriber,
		VAPIDPublicKey:  n.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: n.cfg.VAPIDPrivateKey,
		TTL:             n.cfg.TTL,
	}
	for _, sub := range subs {
		err := n.push(ctx, body, sub, opts)
		if errors.Is(err, errGone) {
			if err := n.store.DeletePushSubscription(sub); err != nil {
				n.logger.Warn("failed to delete stale push subscription", "user_id", j.userID, "error", err)
			}
			continue
		}
		if err != nil {
			n.logger.Warn("push failed", "user_id", j.userID, "error", err)
		}
	}
}

var errGone = errors.New("subscription gone")

func (n *Notifier) push(ctx context.Context, body []byte, sub models.PushSubscription, opts *webpush.Options) error {
	resp, err := n.send(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}, opts)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return errGone
	case resp.StatusCode >= 300:
		return errors.New(resp.Status)
	}
	return nil
}

func preview(msg models.Message) string {
	if msg.Kind == models.MessageKindBlob && msg.Blob != nil {
		return "[" + msg.Blob.Type + "] " + msg.Blob.Name
	}
	text := msg.CurrentContent()
	if len(text) <= previewSize {
		return text
	}
	cut := previewSize
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}
