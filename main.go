package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/bus"
	"chatsync/internal/chat"
	"chatsync/internal/commands"
	"chatsync/internal/config"
	"chatsync/internal/filestore"
	"chatsync/internal/http"
	"chatsync/internal/messages"
	"chatsync/internal/metrics"
	"chatsync/internal/notify"
	"chatsync/internal/presence"
	"chatsync/internal/rooms"
	"chatsync/internal/router"
	"chatsync/internal/storage"
	"chatsync/internal/typing"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, addIdentity string) error {
	cfg, err := config.Load(addIdentity != "")
	if err != nil {
		return err
	}

	if addIdentity != "" {
		return commands.AddIdentity(addIdentity, cfg)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	authConfig := auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewAuthService(ctx, authConfig, bbStorage)
	if err != nil {
		return err
	}

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath, cfg.MaxUploadSize)
	if err != nil {
		return err
	}

	registry := rooms.New(bbStorage, logger)
	if err := registry.Load(); err != nil {
		return err
	}

	routerOpts := []router.Option{
		router.WithQueueSize(cfg.QueueSize),
		router.WithObserver(metrics.RouterObserver{}),
	}
	relay, err := dialBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if relay != nil {
		defer func() { _ = relay.Close() }()
		routerOpts = append(routerOpts, router.WithRelay(relay))
	}
	rt := router.New(registry, logger, routerOpts...)

	chatConfig := chat.Config{
		Rooms:    registry,
		Store:    messages.New(registry, bbStorage, logger),
		Router:   rt,
		Presence: presence.New(presence.Config{IdleAfter: cfg.IdleAfter, OfflineAfter: cfg.OfflineAfter}, rt, logger),
		Typing:   typing.New(cfg.TypingTTL, rt, logger),
		Logger:   logger,
	}
	notifyConfig := notify.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subscriber:      cfg.VAPIDSubscriber,
	}
	if notifyConfig.Enabled() {
		chatConfig.Notifier = notify.New(notifyConfig, bbStorage, logger)
	}
	chatService := chat.New(chatConfig)

	adminServer := http.NewAdminServer(authService, cfg.AdminAddr)
	apiServer := http.NewAPIServer(authService, chatService, files, bbStorage, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	if relay != nil {
		if err := relay.Listen(gCtx, rt.Relayed); err != nil {
			return err
		}
		g.Go(func() error {
			rt.RunRelay(gCtx)
			return nil
		})
	}

	g.Go(func() error {
		return chatService.Run(gCtx)
	})

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

// dialBus connects the configured cross-node relay. It returns nil when the
// node runs standalone.
func dialBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.Bus {
	case config.BusRedis:
		client, err := bus.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return bus.NewRedis(client, cfg.BusChannel, bus.NodeID(), logger), nil
	case config.BusNATS:
		conn, err := bus.DialNATS(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		return bus.NewNATS(conn, cfg.BusChannel, bus.NodeID(), logger), nil
	}
	return nil, nil
}

func main() {
	addIdentity := flag.String("add-identity", "", "Username to register (issues a bearer token through the admin API and prints it)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addIdentity); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
