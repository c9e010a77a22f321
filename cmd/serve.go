package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/interchat/core/internal/admission"
	"github.com/interchat/core/internal/broadcast"
	"github.com/interchat/core/internal/cache"
	"github.com/interchat/core/internal/callsession"
	"github.com/interchat/core/internal/config"
	"github.com/interchat/core/internal/hubmgmt"
	"github.com/interchat/core/internal/matchmaker"
	"github.com/interchat/core/internal/moderation"
	"github.com/interchat/core/internal/processor"
	"github.com/interchat/core/internal/rules"
	"github.com/interchat/core/internal/store"
	"github.com/interchat/core/internal/store/pg"
	"github.com/interchat/core/internal/store/sqlite"
	"github.com/interchat/core/internal/sweep"
	"github.com/interchat/core/internal/telemetry"
	"github.com/interchat/core/internal/transport"
	"github.com/interchat/core/internal/transport/discord"
	"github.com/interchat/core/internal/webhook"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the InterChat relay service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func openStore(cfg *config.Config, c *cache.Cache) (store.Store, error) {
	if cfg.IsPostgres() {
		db, err := pg.OpenDB(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return pg.New(db, c), nil
	}

	path := cfg.Database.SQLitePath
	if path == "" {
		path = "./interchat.db"
	}
	db, err := sqlite.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return sqlite.New(db, c), nil
}

func runServe(ctx context.Context) error {
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, "interchat-core")
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownTracing(ctx)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
	})
	defer redisClient.Close()
	c := cache.New(redisClient, time.Duration(cfg.Cache.TTLSeconds)*time.Second)

	db, err := openStore(cfg, c)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	chatTransport, err := discord.New(cfg.Discord)
	if err != nil {
		return fmt.Errorf("create discord transport: %w", err)
	}

	prov := webhook.New(chatTransport, db)
	attachments := broadcast.NewAttachmentResolver(nil)
	broadcaster := broadcast.New(chatTransport, db, db, c, prov, attachments, 24*time.Hour, 50)

	spamWindow := time.Duration(cfg.Admission.SpamWindowSeconds) * time.Second
	if spamWindow <= 0 {
		spamWindow = 10 * time.Second
	}
	spamRate := float64(cfg.Admission.SpamMaxMessages) / spamWindow.Seconds()
	spamLimiter := admission.NewSpamLimiter(spamRate, cfg.Admission.SpamMaxMessages)
	antiswear := admission.NewAntiSwear(admission.ActionBlock)
	if err := config.WatchAntiSwearWordlist(ctx, cfg.AntiSwearWordlistPath(), antiswear.SetGlobalWordlist); err != nil {
		slog.Warn("antiswear wordlist watch failed", "error", err)
	}
	pipeline := admission.New(db, spamLimiter, antiswear, admission.PermissiveContentFilter{})
	notices := admission.NewNoticeLimiter(time.Duration(cfg.Admission.NoticeCooldownSeconds) * time.Second)

	gate := rules.New(c, db)

	cooldown := time.Duration(cfg.Matchmaker.RecentMatchCooldownSeconds) * time.Second
	maxWait := time.Duration(cfg.Matchmaker.MaxQueueWaitSeconds) * time.Second
	mm := matchmaker.New(db, db, db, db, db, c, chatTransport, cooldown, maxWait)

	callSpam := admission.NewSpamLimiter(spamRate, cfg.Admission.SpamMaxMessages)
	links := callsession.NewLinkPolicy(time.Hour)
	sessions := callsession.New(db, c, chatTransport, callSpam, links, admission.PermissiveContentFilter{}, 24*time.Hour)

	mod := moderation.New(db, db, db)
	_ = mod
	hubs := hubmgmt.New(db, db, c, prov)
	_ = hubs

	proc := processor.New(c, db, db, db, gate, pipeline, notices, broadcaster, prov, sessions, nil)

	chatTransport.OnMessage(func(ctx context.Context, in transport.InboundMessage) {
		if _, err := proc.OnMessage(ctx, in); err != nil {
			slog.Error("message processing failed", "channel_id", in.ChannelID, "error", err)
		}
	})
	chatTransport.OnMessageEdit(func(ctx context.Context, in transport.InboundEdit) {
		if err := proc.OnMessageEdit(ctx, in.MessageID, in.ChannelID, in.NewText); err != nil {
			slog.Error("message edit propagation failed", "channel_id", in.ChannelID, "error", err)
		}
	})
	chatTransport.OnMessageDelete(func(ctx context.Context, in transport.InboundDelete) {
		if err := proc.OnMessageDelete(ctx, in.MessageID); err != nil {
			slog.Error("message delete propagation failed", "channel_id", in.ChannelID, "error", err)
		}
	})

	scheduler := sweep.New(time.Minute,
		sweep.BanSweepJob("*/5 * * * *", db),
		sweep.CallRequestSweepJob("* * * * *", mm.SweepStale),
	)
	go scheduler.Run(ctx)

	if err := chatTransport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer chatTransport.Stop(context.Background())

	slog.Info("interchat core started")

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	slog.Info("interchat core shutting down")
	return nil
}
