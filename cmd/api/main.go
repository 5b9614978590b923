package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"docsign.org/internal/artifact"
	"docsign.org/internal/auth"
	"docsign.org/internal/config"
	"docsign.org/internal/delivery"
	"docsign.org/internal/httpapi"
	"docsign.org/internal/mail"
	"docsign.org/internal/obs"
	"docsign.org/internal/pdf"
	"docsign.org/internal/signing"
	"docsign.org/internal/store/pg"
	"docsign.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// ownerDirectory resolves document owners through the account service.
type ownerDirectory struct {
	users *auth.Service
}

func (d ownerDirectory) Contact(ctx context.Context, userID string) (signing.Contact, error) {
	u, err := d.users.User(ctx, userID)
	if err != nil {
		return signing.Contact{}, err
	}
	return signing.Contact{Email: u.Email, Name: u.Name}, nil
}

func main() {
	var (
		cfgPath  = pflag.StringP("config", "c", os.Getenv("DOCSIGN_CONFIG"), "path to YAML config")
		addr     = pflag.String("addr", "", "HTTP listen address (overrides config)")
		grpcAddr = pflag.String("grpc-addr", "", "gRPC health listen address (overrides config)")
		dsn      = pflag.String("dsn", "", "PostgreSQL DSN (overrides config)")
	)
	pflag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *grpcAddr != "" {
		cfg.GRPCAddr = *grpcAddr
	}
	if *dsn != "" {
		cfg.PostgresDSN = *dsn
	}

	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		db        *sql.DB
		users     auth.UserStore = auth.NewMemoryUserStore()
		documents signing.Store  = signing.NewMemoryStore()
	)
	if cfg.PostgresDSN != "" {
		store, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		db = store.DB()
		users = auth.NewPGUserStore(db)
		documents = store
	} else {
		obs.Warn("storage.memory", map[string]any{"reason": "no postgres dsn configured"})
	}

	artifacts, err := openArtifacts(ctx, cfg.Artifacts)
	if err != nil {
		log.Fatalf("artifacts: %v", err)
	}

	tokens, err := auth.NewTokens(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	accounts := auth.NewService(users, tokens)

	sender, err := openSender(cfg.SMTP)
	if err != nil {
		log.Fatalf("mail: %v", err)
	}
	queue := delivery.New(delivery.NewMailDispatcher(mail.NewRenderer(), sender),
		delivery.WithMaxAttempts(cfg.Delivery.MaxAttempts),
		delivery.WithPollInterval(cfg.Delivery.PollInterval),
		delivery.WithBackoff(cfg.Delivery.BackoffBase, cfg.Delivery.BackoffMax),
		delivery.WithDispatchTimeout(cfg.Delivery.DispatchTimeout),
		delivery.WithDropHandler(func(t delivery.Task, err error) {
			obs.Error("delivery.dropped", map[string]any{
				"kind":        t.Kind,
				"document_id": t.DocumentID,
				"error":       err.Error(),
			})
		}),
	)
	queueCtx, cancelQueue := context.WithCancel(context.Background())
	defer cancelQueue()
	queue.Start(queueCtx)

	events := stream.New()
	engine := signing.NewEngine(documents, queue, pdf.Assembler{Title: "docsign"},
		signing.WithArtifacts(artifacts),
		signing.WithEvents(events),
		signing.WithDirectory(ownerDirectory{users: accounts}),
		signing.WithBaseURL(cfg.BaseURL),
	)

	probe := httpapi.ReadyProbe{DB: db}
	api := httpapi.New(httpapi.Options{
		Version:      version,
		Ready:        probe,
		Engine:       engine,
		Auth:         accounts,
		Stream:       events,
		CORSOrigins:  cfg.CORSOrigins,
		RateBurst:    cfg.RateLimit.Burst,
		RatePerSec:   cfg.RateLimit.PerSecond,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewGRPCServer(probe, version)
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, health)
	go health.Monitor(ctx, 15*time.Second)

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}
	go func() {
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			obs.Error("grpc.serve_failed", map[string]any{"error": err.Error()})
		}
	}()

	obs.Info("server.start", map[string]any{
		"version":   version,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,
		"postgres":  db != nil,
		"artifacts": cfg.Artifacts.Backend,
		"smtp":      cfg.SMTP.Host != "",
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	obs.Info("server.shutdown", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	if err := queue.Stop(shutdownCtx); err != nil {
		obs.Warn("delivery.stop", map[string]any{"error": err.Error(), "pending": queue.Len()})
	}
	obs.Info("server.stopped", nil)
}

func openArtifacts(ctx context.Context, cfg config.ArtifactConfig) (artifact.Store, error) {
	switch cfg.Backend {
	case "memory":
		return artifact.NewMemory(), nil
	case "s3":
		return artifact.NewS3(ctx, artifact.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: os.Getenv("DOCSIGN_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("DOCSIGN_S3_SECRET_KEY"),
		})
	case "fs", "":
		return artifact.NewFS(cfg.Dir)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
}

func openSender(cfg config.SMTPConfig) (mail.Sender, error) {
	if cfg.Host == "" {
		obs.Warn("mail.log_sender", map[string]any{"reason": "no smtp host configured"})
		return mail.LogSender{}, nil
	}
	return mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
		TLS:      cfg.TLS,
		SSL:      cfg.SSL,
	})
}
