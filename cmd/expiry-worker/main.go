package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/triagedesk/slot-allocator/internal/allocation"
	"github.com/triagedesk/slot-allocator/internal/config"
	"github.com/triagedesk/slot-allocator/internal/db"
	redisclient "github.com/triagedesk/slot-allocator/internal/redis"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("expiry-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	log.Printf("running expiry worker in env=%s interval=%s queue_ttl=%s", cfg.Env, cfg.WorkerInterval, cfg.QueueEntryTTL)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatalf("postgres connection error: %v", err)
	}
	defer pgPool.Close()
	log.Println("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatalf("redis connection error: %v", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("error closing redis: %v", err)
		}
	}()
	log.Println("connected to Redis")

	repo := allocation.NewPgRepository(pgPool)
	locker := redisclient.NewRedisDoctorLocker(rdb, cfg.LockTTL, cfg.LockAcquireWait, cfg.LockRetry)
	svc := allocation.NewService(repo, locker, cfg)

	// Run once at startup
	runOnce(rootCtx, svc)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Println("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc)
		}
	}
}

// runOnce sweeps every doctor that has waiting entries past expiry. Each
// doctor is swept under its own lock so a sweep never runs concurrently
// with an allocation or cancellation for the same doctor.
func runOnce(ctx context.Context, svc *allocation.Service) {
	runCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	start := time.Now()

	doctors, err := svc.StaleQueueDoctors(runCtx, start)
	if err != nil {
		log.Printf("expiry run error: %v", err)
		return
	}

	expired := 0
	for _, doctorID := range doctors {
		n, err := svc.ExpireStale(runCtx, doctorID, start)
		if err != nil {
			log.Printf("expire stale for doctor %s: %v", doctorID, err)
			continue
		}
		expired += n
	}

	log.Printf("expiry run complete doctors=%d expired=%d duration=%s", len(doctors), expired, time.Since(start))
}
