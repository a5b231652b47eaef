package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"escrowflow/auth"
	"escrowflow/db"
	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/httpapi"
	"escrowflow/notify"
	"escrowflow/outbox"
	"escrowflow/release"
	"escrowflow/sweeper"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	pool, err := db.NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()

	var gw gateway.Gateway
	if url := os.Getenv("GATEWAY_URL"); url != "" {
		gw = gateway.NewHTTPGateway(url, os.Getenv("GATEWAY_API_KEY"))
	} else {
		log.Println("GATEWAY_URL not set, using in-memory gateway recorder")
		gw = gateway.NewRecorder()
	}

	notifier := notify.NewOutboxNotifier(pool)
	timeline := deal.NewTimeline()
	events := outbox.NewWriter()

	authSvc := auth.NewService(auth.NewRepository(pool), jwtSecret)
	dealRepo := deal.NewRepository(pool)
	ledger := escrow.NewLedger(pool)
	keys := escrow.NewIdempotencyKeys(pool)

	engine := release.NewEngine(pool, dealRepo, ledger, gw, release.DefaultRules(), timeline, events).
		WithNotifier(notifier)
	dealSvc := deal.NewService(pool, dealRepo, timeline, events).
		WithNotifier(notifier).
		WithReleaser(engine)
	fundingSvc := escrow.NewFundingService(pool, dealRepo, ledger, keys, gw, timeline, events).
		WithNotifier(notifier).
		WithPlatformFee(envInt64("PLATFORM_FEE_BPS", 0))
	disputeRepo := dispute.NewRepository(pool)
	disputeSvc := dispute.NewService(pool, disputeRepo, dealRepo, engine, timeline, events).
		WithNotifier(notifier)
	summaries := deal.NewSummaryRepository(pool)

	sweep := sweeper.New(sweeper.NewPGCandidates(pool), engine)
	go sweep.Run(ctx, envDuration("SWEEP_INTERVAL", time.Minute))
	go disputeSvc.RunEscalations(ctx, envDuration("ESCALATION_INTERVAL", time.Hour))

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		pub, err := outbox.NewKafkaPublisher(strings.Split(brokers, ","))
		if err != nil {
			log.Fatalf("kafka publisher: %v", err)
		}
		defer pub.Close()
		go outbox.NewRelay(pool, pub).Run(ctx, envDuration("OUTBOX_INTERVAL", 5*time.Second))
	} else {
		log.Println("KAFKA_BROKERS not set, outbox relay disabled")
	}

	server := httpapi.NewServer(authSvc, dealSvc, dealRepo, summaries, fundingSvc, engine, disputeSvc)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	go func() {
		if err := server.Start(":" + port); err != nil {
			log.Printf("http server stopped: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func envInt64(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s %q, using %d", name, raw, fallback)
		return fallback
	}
	return n
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s %q, using %s", name, raw, fallback)
		return fallback
	}
	return d
}
