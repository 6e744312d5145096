package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parley/chat-backend/internal/auth"
	"github.com/parley/chat-backend/internal/chat"
	"github.com/parley/chat-backend/internal/config"
	"github.com/parley/chat-backend/internal/dialog"
	"github.com/parley/chat-backend/internal/httpapi"
	"github.com/parley/chat-backend/internal/message"
	"github.com/parley/chat-backend/internal/messaging"
	"github.com/parley/chat-backend/internal/notify"
	"github.com/parley/chat-backend/internal/presence"
	"github.com/parley/chat-backend/internal/protocol"
	"github.com/parley/chat-backend/internal/ratelimit"
	"github.com/parley/chat-backend/internal/registry"
	"github.com/parley/chat-backend/internal/store"
	"github.com/parley/chat-backend/internal/user"
	"github.com/parley/chat-backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	serverName := cfg.ServerName
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	if serverName == "" {
		serverName = "chat-1"
	}

	log.Printf("chat server starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  server_name:     %s", serverName)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  nats_url:        %s", cfg.NatsURL)

	// --- Postgres ---
	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	users := user.NewStore(db)
	dialogs := dialog.NewStore(db)
	messages := message.NewStore(db)

	// --- Redis ---
	presenceStore, err := presence.NewStore(cfg.RedisAddr, serverName)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer presenceStore.Close()
	limiter := ratelimit.NewLimiter(presenceStore.Client())

	// --- NATS ---
	natsCfg := messaging.DefaultConfig()
	natsCfg.URL = cfg.NatsURL
	natsCfg.Name = serverName
	natsClient, err := messaging.Connect(natsCfg)
	if err != nil {
		log.Fatalf("nats: %v", err)
	}
	defer natsClient.Close()

	// --- Transport, routing, orchestrator ---
	reg := registry.New()
	verifier := auth.NewVerifier(cfg.JWTSecret)

	server := ws.NewServer(ws.Config{
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}, reg, verifier, presenceStore, limiter)

	router := notify.NewRouter(server, reg, natsClient, serverName)
	if err := router.Start(); err != nil {
		log.Fatalf("notification router: %v", err)
	}

	svc := chat.NewService(dialogs, messages, users, router)

	dispatcher := ws.NewDispatcher(limiter)
	dispatcher.Register(protocol.EventMessagePost, func(ctx context.Context, conn *ws.Connection, payload interface{}) {
		p := payload.(protocol.PostMessage)
		if err := svc.PostMessage(ctx, p.DialogID, p.AuthorID, p.Text); err != nil {
			log.Printf("message:post session=%s: %v", conn.ID, err)
		}
	})
	dispatcher.Register(protocol.EventMessagesRead, func(ctx context.Context, conn *ws.Connection, payload interface{}) {
		p := payload.(protocol.MessagesRead)
		if err := svc.MarkRead(ctx, p.DialogID, p.UserID); err != nil {
			log.Printf("messages:read session=%s: %v", conn.ID, err)
		}
	})
	dispatcher.Register(protocol.EventDialogCreateNotify, func(ctx context.Context, conn *ws.Connection, payload interface{}) {
		p := payload.(protocol.DialogCreateNotify)
		if err := svc.NotifyDialogCreated(ctx, p.AuthorID, p.PartnerID); err != nil {
			log.Printf("dialog:create:notify session=%s: %v", conn.ID, err)
		}
	})

	server.SetOnMessage(dispatcher.Dispatch)
	server.SetOnDisconnect(func(sessionID string, userID int64) {
		router.Broadcast(protocol.EventLog, fmt.Sprintf("%s disconnected", sessionID))
	})

	if err := server.Start(); err != nil {
		log.Fatalf("websocket transport: %v", err)
	}

	api := httpapi.NewHandler(svc, verifier, server, limiter, cfg.ClientOrigin)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("http listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, initiating graceful shutdown...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := server.Shutdown(); err != nil {
		log.Printf("transport shutdown: %v", err)
	}

	log.Printf("chat server stopped")
}
