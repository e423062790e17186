package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/moorgate-dev/moorgate/internal/agent"
	"github.com/moorgate-dev/moorgate/internal/auth"
	"github.com/moorgate-dev/moorgate/internal/bridge"
	"github.com/moorgate-dev/moorgate/internal/cleanup"
	"github.com/moorgate-dev/moorgate/internal/config"
	"github.com/moorgate-dev/moorgate/internal/core"
	"github.com/moorgate-dev/moorgate/internal/credits"
	"github.com/moorgate-dev/moorgate/internal/database"
	"github.com/moorgate-dev/moorgate/internal/handlers"
	"github.com/moorgate-dev/moorgate/internal/identity"
	"github.com/moorgate-dev/moorgate/internal/logging"
	"github.com/moorgate-dev/moorgate/internal/logutil"
	"github.com/moorgate-dev/moorgate/internal/middleware"
	"github.com/moorgate-dev/moorgate/internal/sessions"
	"github.com/moorgate-dev/moorgate/internal/sshconn"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-account":
			runCLICommand("create-account")
			return
		case "--add-credits":
			runCLICommand("add-credits")
			return
		}
	}

	config.Load()
	logging.Init()

	if config.Cfg.MasterSecret == "" {
		log.Fatal("MOORGATE_MASTER_SECRET is required")
	}

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: listen=%s data=%s agent=%s master_secret=%s",
		config.Cfg.Listen, config.Cfg.DataPath, config.Cfg.AgentURL,
		logutil.Redact(config.Cfg.MasterSecret))

	manager := sshconn.NewManager(config.Cfg.SSHBinary, config.Cfg.SocketDir)
	tokens := auth.NewTokenStore()
	store := sessions.NewStore(config.Cfg.IdleTimeout(), nil)
	relayer := &agent.Client{}
	br := bridge.New(tokens, store, relayer, manager.Known)
	c := core.New(store, manager, tokens, br, relayer)
	log.Printf("Session manager initialized (idle_timeout=%s, max_per_account=%d)",
		config.Cfg.IdleTimeout(), config.Cfg.MaxSessionsPerAccount)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Idle sweep
	store.StartSweeper(ctx, config.Cfg.SweepInterval())

	// Billing enforcement loop
	enforcer := &credits.Enforcer{
		Interval:     config.Cfg.CreditTick(),
		Store:        store,
		CloseSession: func(id, reason string) { c.CloseSession(id, reason) },
		RevokeTokens: tokens.RevokeForSession,
	}
	go enforcer.Run(ctx)

	// Orphan cleanup
	job := &cleanup.Job{
		Store:        store,
		Manager:      manager,
		CloseSession: func(id, reason string) { c.CloseSession(id, reason) },
		SocketDir:    config.Cfg.SocketDir,
	}
	if err := job.Start("@every 1m"); err != nil {
		log.Fatalf("Cleanup job: %v", err)
	}

	// Token revocation table upkeep
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tokens.Cleanup()
			}
		}
	}()

	handlers.Init(handlers.Deps{
		Core:     c,
		Bridge:   br,
		Tokens:   tokens,
		Store:    store,
		Identity: &identity.Client{},
		Push:     br.SendToSession,
	})

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		// Auth endpoints (no auth required)
		r.Post("/auth/register", handlers.Register)
		r.Post("/auth/login", handlers.Login)
		r.Post("/auth/oauth", handlers.OAuthExchange)

		// Collaborator-facing endpoints (shared-secret auth inside)
		r.Post("/webhooks/payment", handlers.PaymentWebhook)
		r.Post("/sessions/{id}/push", handlers.Push)
		r.Post("/sessions/{id}/exec", handlers.Exec)

		// Chat WebSocket authenticates on the socket itself
		r.Get("/sessions/{id}/chat", handlers.Chat)

		// Account-facing routes (bearer auth)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAccount(tokens))

			r.Post("/sessions", handlers.StartSession)
			r.Get("/sessions", handlers.ListSessions)
			r.Get("/sessions/{id}", handlers.GetSession)
			r.Delete("/sessions/{id}", handlers.DeleteSession)

			r.Post("/connections", handlers.CreateConnection)
			r.Get("/connections", handlers.ListConnections)
			r.Get("/connections/{id}", handlers.GetConnection)
			r.Post("/connections/{id}/test", handlers.TestConnection)

			r.Post("/keys", handlers.CreateKey)
			r.Get("/keys", handlers.ListKeys)
			r.Post("/keys/{id}/rotate", handlers.RotateKey)
			r.Post("/keys/{id}/revoke", handlers.RevokeKey)

			r.Get("/credits", handlers.GetCredits)

			r.Get("/logs", handlers.GetLogs)
			r.Delete("/logs", handlers.ClearLogs)
		})
	})

	srv := &http.Server{
		Addr:    config.Cfg.Listen,
		Handler: r,
	}

	go func() {
		log.Printf("Server starting on %s", config.Cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	job.Stop()

	// End every live session so control masters and sockets are reaped.
	for _, sess := range store.List() {
		c.CloseSession(sess.ID, "shutdown")
	}
	manager.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	email := fs.String("email", "", "Account email")
	password := fs.String("password", "", "Password")
	seconds := fs.Int64("seconds", 0, "Credit seconds to add")
	reference := fs.String("reference", "", "Idempotency reference for the credit")
	fs.Parse(os.Args[2:])

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	switch command {
	case "create-account":
		if *email == "" || *password == "" {
			fmt.Fprintln(os.Stderr, "Usage: moorgate --create-account --email <email> --password <pass>")
			os.Exit(1)
		}
		hash, err := auth.HashPassword(*password)
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		account := &database.Account{
			ID:           uuid.NewString(),
			ExternalRef:  "local:" + *email,
			PasswordHash: hash,
		}
		if err := database.CreateAccount(account); err != nil {
			log.Fatalf("Failed to create account: %v", err)
		}
		fmt.Printf("Account %s created for %s.\n", account.ID, *email)

	case "add-credits":
		if *email == "" || *seconds <= 0 {
			fmt.Fprintln(os.Stderr, "Usage: moorgate --add-credits --email <email> --seconds <n> [--reference <id>]")
			os.Exit(1)
		}
		account, err := database.GetAccountByExternalRef("local:" + *email)
		if err != nil {
			log.Fatalf("Account for '%s' not found", *email)
		}
		if err := credits.AddCredits(account.ID, *seconds, "manual", *reference); err != nil {
			log.Fatalf("Failed to add credits: %v", err)
		}
		balance, _ := credits.Balance(account.ID)
		fmt.Printf("Added %ds to %s (balance now %ds).\n", *seconds, account.ID, balance)
	}
}
