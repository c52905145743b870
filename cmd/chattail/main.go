package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"chatsync/internal/models"
	"chatsync/internal/syncclient"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "API base URL")
	room := flag.String("room", "", "Room to follow (all rooms when empty)")
	flag.Parse()

	token := os.Getenv("CHATSYNC_TOKEN")
	if token == "" {
		fmt.Println("Usage: CHATSYNC_TOKEN=<token> chattail [-url URL] [-room ID]")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := tail(ctx, os.Stdout, *baseURL, token, *room); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func tail(ctx context.Context, out io.Writer, baseURL, token, room string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	events := make(chan models.Event, 64)

	client, err := syncclient.Dial(ctx, syncclient.Config{
		BaseURL: baseURL,
		Token:   token,
		Logger:  logger,
		OnEvent: func(e models.Event) {
			select {
			case events <- e:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	p := client.Projection()
	rooms := p.Rooms()
	if room != "" {
		rooms = []string{room}
	}
	fmt.Fprintf(out, "Connected as %s\n", client.User().ID)
	for _, id := range rooms {
		for _, msg := range p.Messages(id) {
			printMessage(out, id, msg)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			fmt.Fprintln(out, "-- disconnected, reconnecting")
			if err := reconnect(ctx, out, client); err != nil {
				return err
			}
		case e := <-events:
			if room != "" && e.RoomID != room {
				continue
			}
			printEvent(out, p, e)
		}
	}
}

func reconnect(ctx context.Context, out io.Writer, client *syncclient.Client) error {
	backoff := time.Second
	for {
		err := client.Reconnect(ctx)
		if err == nil {
			return nil
		}
		fmt.Fprintf(out, "-- reconnect failed: %v\n", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func printEvent(out io.Writer, p *syncclient.Projection, e models.Event) {
	switch {
	case e.Type == models.EventMessageSent || e.Type.IsOverlay():
		if e.Payload.Message == nil {
			return
		}
		if msg, ok := p.Message(e.RoomID, e.Payload.Message.ID); ok {
			printMessage(out, e.RoomID, msg)
		}
	case e.Type == models.EventTypingStarted || e.Type == models.EventTypingStopped:
		if typing := p.Typing(e.RoomID); len(typing) > 0 {
			fmt.Fprintf(out, "[%s] typing: %s\n", e.RoomID, strings.Join(typing, ", "))
		}
	case e.Type == models.EventRoomMembershipChanged && e.Payload.Membership != nil:
		fmt.Fprintf(out, "[%s] %s %s\n", e.RoomID, e.Payload.Membership.UserID, e.Payload.Membership.Change)
	case e.Type == models.EventPresenceChanged && e.Payload.Presence != nil:
		fmt.Fprintf(out, "%s is %s\n", e.Payload.Presence.UserID, e.Payload.Presence.Status)
	}
}

func printMessage(out io.Writer, room string, msg models.Message) {
	text := msg.CurrentContent()
	switch {
	case msg.Deletion.Deleted:
		text = "(deleted)"
	case msg.Moderation.Moderated:
		text = fmt.Sprintf("(moderated: %s)", msg.Moderation.Reason)
	case msg.Blob != nil:
		text = fmt.Sprintf("[%s] %s", msg.Blob.Type, msg.Blob.Name)
	}

	var flags []string
	if msg.Edit.Edited {
		flags = append(flags, "edited")
	}
	if msg.Pin.Pinned {
		flags = append(flags, "pinned")
	}
	emojis := make([]string, 0, len(msg.Reactions))
	for emoji := range msg.Reactions {
		emojis = append(emojis, emoji)
	}
	sort.Strings(emojis)
	for _, emoji := range emojis {
		flags = append(flags, fmt.Sprintf("%s%d", emoji, len(msg.Reactions[emoji])))
	}
	suffix := ""
	if len(flags) > 0 {
		suffix = " (" + strings.Join(flags, " ") + ")"
	}
	fmt.Fprintf(out, "[%s #%d] %s: %s%s\n", room, msg.Seq, msg.AuthorID, text, suffix)
}
