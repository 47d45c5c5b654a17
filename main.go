package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"vestnik/internal/config"
	"vestnik/internal/dataapi"
	"vestnik/internal/engine"
	"vestnik/internal/models"
	"vestnik/internal/session"
	"vestnik/internal/store"
	"vestnik/internal/transport"
)

// nopMedia is the injection point for a real peer-media capability.
// The engine only instructs it; descriptions stay opaque.
type nopMedia struct{}

func (nopMedia) CreateOffer(context.Context, models.CallKind) (string, error) {
	return "", errors.New("no media capability configured")
}

func (nopMedia) CreateAnswer(context.Context, models.CallKind, string) (string, error) {
	return "", errors.New("no media capability configured")
}

func (nopMedia) Accept(string) error { return nil }
func (nopMedia) Close() error        { return nil }

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	provider := session.New(cfg.APIURL)
	sess, err := provider.Login(ctx, os.Getenv("VESTNIK_USER"), os.Getenv("VESTNIK_PASS"))
	if err != nil {
		return err
	}
	defer func() { _ = provider.Logout(context.Background(), sess.Token) }()

	cache, err := store.NewBboltStore(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()

	eng := engine.New(ctx, engine.Config{
		Session: sess,
		Transport: transport.New(transport.Config{
			URL:         cfg.RelayURL,
			BackoffBase: cfg.ReconnectBase,
			BackoffCap:  cfg.ReconnectCap,
			MaxRetries:  cfg.ReconnectRetries,
			Logger:      logger,
		}, sess),
		API:         dataapi.New(cfg.APIURL, sess.Token, logger),
		Cache:       cache,
		Media:       nopMedia{},
		TypingTTL:   cfg.TypingTTL,
		RingTimeout: cfg.RingTimeout,
		Logger:      logger,
	})

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(gCtx)
	})

	g.Go(func() error {
		updates := eng.Subscribe()
		for {
			select {
			case n, ok := <-updates:
				if !ok {
					return nil
				}
				logNotification(logger, n)
			case <-gCtx.Done():
				eng.Close()
				return nil
			}
		}
	})

	return g.Wait()
}

func logNotification(logger *slog.Logger, n engine.Notification) {
	switch n.Kind {
	case engine.NoticeConnection:
		logger.Info("connection", "state", n.State)
	case engine.NoticeMessage:
		logger.Info("message", "conversation", n.ConversationID, "id", n.Message.ID, "status", n.Message.Status)
	case engine.NoticePresence:
		logger.Info("presence", "changed", len(n.Presence))
	case engine.NoticeTyping:
		logger.Info("typing", "conversation", n.ConversationID, "user", n.UserID, "active", n.TypingActive)
	case engine.NoticeCall:
		logger.Info("call", "id", n.Call.ID, "state", n.Call.State, "reason", n.Call.EndReason)
	case engine.NoticeError:
		logger.Warn("engine error", "error", n.Err)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}
