package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/robfig/cron/v3"

	"github.com/aipartnerup/apflow-demo/internal/api"
	"github.com/aipartnerup/apflow-demo/internal/bootstrap"
	"github.com/aipartnerup/apflow-demo/internal/observability"
)

func main() {
	port := os.Getenv("APFLOW_DEMO_GATEWAY_PORT")
	if port == "" {
		port = "8080"
	}

	shutdownTracing, err := observability.InitTracingFromEnv("apflow-demo-gateway")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	engine, demo, err := bootstrap.NewEngineFromEnv()
	if err != nil {
		log.Fatalf("bootstrap engine: %v", err)
	}

	schedule := os.Getenv("APFLOW_DEMO_SWEEP_SCHEDULE")
	if schedule == "" {
		schedule = "@every 5m"
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := engine.Sweep(ctx); err != nil {
			log.Printf("sweep failed: %v", err)
		}
	}); err != nil {
		log.Fatalf("schedule sweep (%q): %v", schedule, err)
	}
	c.Start()
	defer c.Stop()

	server := api.NewServer(engine, demo)
	log.Printf("apflow-demo api-gateway listening on :%s", port)
	if err := http.ListenAndServe(":"+port, server.Handler()); err != nil {
		log.Fatalf("api-gateway failed: %v", err)
	}
}
