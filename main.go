package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nicebartender/onebot/bot"
	"github.com/nicebartender/onebot/db"
	"github.com/nicebartender/onebot/reverse"
	"github.com/nicebartender/onebot/router"
	"github.com/nicebartender/onebot/rpc"
	"github.com/nicebartender/onebot/webhook"
	"github.com/nicebartender/onebot/ws"
)

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(2)
	}
	level, _ := cfg.Level()
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	var ledger *db.DB
	if cfg.DBPath != "" {
		ledger, err = db.Open(cfg.DBPath, db.Options{Logger: log})
		if err != nil {
			slog.Error("failed to open database", "err", err)
			os.Exit(1)
		}
		defer ledger.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("onebot starting", "mode", cfg.Mode)
	switch cfg.Mode {
	case ModeForward:
		err = runForward(ctx, cfg, ledger, log)
	case ModeReverse:
		err = runReverse(ctx, cfg, ledger, log)
	case ModeWebhook:
		err = runWebhook(ctx, cfg, ledger, log)
	}
	if err != nil {
		slog.Error("onebot stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("onebot stopped")
}

func sessionConfig(cfg Config, log *slog.Logger) ws.Config {
	sc := ws.DefaultConfig()
	sc.AccessToken = cfg.AccessToken
	sc.AutoReconnect = cfg.AutoReconnect
	sc.MaxReconnectAttempts = cfg.MaxReconnectAttempts
	if cfg.ReconnectDelay > 0 {
		sc.Backoff.InitialDelay = cfg.ReconnectDelay
	}
	sc.Logger = log
	return sc
}

func runForward(ctx context.Context, cfg Config, ledger *db.DB, log *slog.Logger) error {
	var client *bot.Client
	rt := newRouter(cfg, ledger, log, func() *rpc.API {
		if client == nil {
			return nil
		}
		return client.API()
	})

	client, err := bot.NewClient(bot.Config{
		UniversalURL: cfg.UniversalURL,
		APIURL:       cfg.APIURL,
		EventURL:     cfg.EventURL,
		Session:      sessionConfig(cfg, log),
		CallTimeout:  cfg.CallTimeout,
		Logger:       log,
	}, rt)
	if err != nil {
		return err
	}

	go func() {
		info, err := client.API().GetLoginInfo(ctx)
		if err != nil {
			log.Warn("get_login_info failed", "err", err)
			return
		}
		log.Info("logged in", "selfID", info.UserID, "nickname", info.Nickname)
	}()
	return client.Run(ctx)
}

func runReverse(ctx context.Context, cfg Config, ledger *db.DB, log *slog.Logger) error {
	srv := reverse.NewServer(reverse.Config{
		Addr:        cfg.ReverseAddr,
		Path:        cfg.ReversePath,
		AccessToken: cfg.AccessToken,
		SelfID:      cfg.SelfID,
		Session:     sessionConfig(cfg, log),
		CallTimeout: cfg.CallTimeout,
		Logger:      log,
	})
	srv.ConfigureListener(func(selfID int64) *router.Router {
		return newRouter(cfg, ledger, log.With("selfID", selfID), func() *rpc.API {
			if p, ok := srv.Peer(selfID); ok {
				return p.API
			}
			return nil
		})
	})
	if ledger != nil {
		srv.OnConnect(func(p *reverse.Peer, remoteAddr string) {
			if _, err := ledger.TouchPeer(ctx, p.SelfID, remoteAddr); err != nil {
				log.Warn("ledger peer write failed", "selfID", p.SelfID, "err", err)
			}
		})
	}
	return srv.Start(ctx)
}

func runWebhook(ctx context.Context, cfg Config, ledger *db.DB, log *slog.Logger) error {
	var api *rpc.API
	if cfg.APIRoot != "" {
		api = rpc.NewAPI(rpc.NewHTTPCaller(cfg.APIRoot, cfg.AccessToken, cfg.CallTimeout))
	}
	rt := newRouter(cfg, ledger, log, func() *rpc.API { return api })

	mux := http.NewServeMux()
	mux.Handle(cfg.WebhookPath, webhook.NewHandler(webhook.Config{Secret: cfg.Secret, Logger: log}, rt))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{Addr: cfg.WebhookAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	stopShutdown := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stopShutdown()

	slog.Info("webhook server starting", "addr", cfg.WebhookAddr, "path", cfg.WebhookPath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
