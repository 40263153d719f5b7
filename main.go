// Command seenspeak runs the signaling and captioning relay server for
// peer-to-peer video calls.
package main

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/seenspeak/seenspeak/internal/archive"
	"github.com/seenspeak/seenspeak/internal/call"
	"github.com/seenspeak/seenspeak/internal/config"
	"github.com/seenspeak/seenspeak/internal/db"
	"github.com/seenspeak/seenspeak/internal/handlers"
	"github.com/seenspeak/seenspeak/internal/media"
	"github.com/seenspeak/seenspeak/internal/registry"
	"github.com/seenspeak/seenspeak/internal/router"
	"github.com/seenspeak/seenspeak/internal/server"
	"github.com/seenspeak/seenspeak/internal/token"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.MustLoad()

	database, err := db.OpenDB(cfg.DBType, cfg.DBDSN)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	signingKey := loadSigningKey(cfg)
	tokens := token.NewService(signingKey, database, cfg.AccessExpiry, cfg.RefreshExpiry)

	reg := registry.New()

	opts := []call.Option{call.WithRingTimeout(cfg.RingTimeout)}

	if cfg.TranscriberURL != "" {
		agents := func() (media.Agent, error) {
			return media.NewWebRTCAgent(cfg.STUNServers)
		}
		transcribers := func(source string) (media.Transcriber, error) {
			return media.DialTranscriber(cfg.TranscriberURL, source)
		}
		opts = append(opts, call.WithCaptioning(agents, transcribers))
	} else {
		slog.Warn("SEENSPEAK_TRANSCRIBER_URL not set - captioning disabled")
	}

	if store := buildArchive(cfg); store != nil {
		opts = append(opts, call.WithArchive(store))
	}

	coord := call.NewCoordinator(reg, database, opts...)
	h := handlers.New(database, tokens)
	rt := router.New(tokens, h, coord, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, rt, reg, coord, database)
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// loadSigningKey reads the configured RSA keypair, or generates an ephemeral
// one so development setups work out of the box. Ephemeral keys invalidate
// all outstanding tokens on restart.
func loadSigningKey(cfg *config.Config) *rsa.PrivateKey {
	if cfg.JWTPrivateKeyPath != "" {
		key, err := token.LoadPrivateKey(cfg.JWTPrivateKeyPath)
		if err != nil {
			slog.Error("failed to load JWT signing key", "path", cfg.JWTPrivateKeyPath, "error", err)
			os.Exit(1)
		}
		return key
	}

	slog.Warn("SEENSPEAK_JWT_PRIVATE_KEY not set - using an ephemeral signing key")
	key, err := token.GenerateKey()
	if err != nil {
		slog.Error("failed to generate signing key", "error", err)
		os.Exit(1)
	}
	return key
}

func buildArchive(cfg *config.Config) archive.Store {
	switch cfg.ArchiveBackend {
	case "local":
		store, err := archive.NewLocalStore(cfg.ArchiveDir)
		if err != nil {
			slog.Error("failed to init local archive", "error", err)
			os.Exit(1)
		}
		return store
	case "s3":
		store, err := archive.NewS3Store(cfg.S3Bucket, cfg.S3Region, cfg.S3Endpoint, cfg.S3Prefix, cfg.S3AccessKeyID, cfg.S3SecretAccessKey)
		if err != nil {
			slog.Error("failed to init s3 archive", "error", err)
			os.Exit(1)
		}
		return store
	}
	return nil
}
