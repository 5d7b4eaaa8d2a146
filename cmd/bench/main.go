package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ak3tsm7/sweep-render-queue/internal/api"
	"github.com/ak3tsm7/sweep-render-queue/internal/client"
	"github.com/ak3tsm7/sweep-render-queue/internal/models"
	"github.com/ak3tsm7/sweep-render-queue/internal/orchestrator"
)

type benchConfig struct {
	addr         string
	xSteps       int
	ySteps       int
	chunk        int
	concurrency  int
	timeout      time.Duration
	modelVersion string
}

func main() {
	cfg := parseFlags()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	c := client.New(cfg.addr, client.WithPollInterval(client.DefaultPollInterval))

	// A fresh run id keeps every bench run from deduplicating against the last.
	runID := uuid.New().String()
	log.Printf("Starting benchmark: run=%s grid=%dx%d chunk=%d concurrency=%d",
		runID, cfg.xSteps, cfg.ySteps, cfg.chunk, cfg.concurrency)

	plan, err := c.PlanSweep(ctx, api.PlanSweepRequest{
		Base: mustJSON(map[string]any{
			"bench_run": runID,
			"seed":      models.DefaultSeed,
			"camera":    map[string]any{"fov": 35},
			"lighting":  map[string]any{"intensity": 1},
		}),
		Axes: []orchestrator.AxisInput{
			{ID: "x", Path: "camera.fov", Values: mustJSON(fmt.Sprintf("20-60:%d", cfg.xSteps))},
			{ID: "y", Path: "lighting.intensity", Values: mustJSON(fmt.Sprintf("0.25-2:%d", cfg.ySteps))},
		},
	})
	if err != nil {
		log.Fatalf("plan failed: %v", err)
	}
	log.Printf("Planned %d variants", plan.Count)

	start := time.Now()
	ids, err := submit(ctx, c, plan, cfg)
	if err != nil {
		log.Fatalf("submit failed: %v", err)
	}
	log.Printf("Submitted %d jobs in %v", len(ids), time.Since(start))

	recs, err := c.WaitForTerminal(ctx, ids, func(recs []models.StatusRecord) {
		counts := countStates(recs)
		log.Printf("queued=%d active=%d completed=%d failed=%d",
			counts[models.StateQueued], counts[models.StateActive],
			counts[models.StateCompleted], counts[models.StateFailed])
	})
	if err != nil {
		log.Fatalf("wait failed: %v", err)
	}

	counts := countStates(recs)
	duration := time.Since(start)
	log.Printf("Benchmark complete in %v: completed=%d failed=%d (%.2f jobs/s)",
		duration, counts[models.StateCompleted], counts[models.StateFailed],
		float64(len(recs))/duration.Seconds())
}

// submit sends the plan in chunks, at most concurrency requests at a time.
func submit(ctx context.Context, c *client.Client, plan *api.PlanSweepResponse, cfg benchConfig) ([]string, error) {
	ids := make([]string, len(plan.Plan))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.concurrency)
	for lo := 0; lo < len(plan.Plan); lo += cfg.chunk {
		hi := min(lo+cfg.chunk, len(plan.Plan))
		g.Go(func() error {
			docs := make([]json.RawMessage, 0, hi-lo)
			for _, e := range plan.Plan[lo:hi] {
				docs = append(docs, e.Document)
			}
			subs, err := c.SubmitPlan(gctx, docs, cfg.modelVersion)
			if err != nil {
				return err
			}
			mu.Lock()
			for i, s := range subs {
				ids[lo+i] = s.ID
			}
			mu.Unlock()
			return nil
		})
	}
	return ids, g.Wait()
}

func countStates(recs []models.StatusRecord) map[models.State]int {
	counts := make(map[models.State]int)
	for _, r := range recs {
		counts[r.State]++
	}
	return counts
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func parseFlags() benchConfig {
	cfg := benchConfig{}
	flag.StringVar(&cfg.addr, "addr", envOr("API_URL", "http://localhost:8080"), "api base url")
	flag.IntVar(&cfg.xSteps, "x", envInt("BENCH_X", 10), "values along camera.fov")
	flag.IntVar(&cfg.ySteps, "y", envInt("BENCH_Y", 10), "values along lighting.intensity")
	flag.IntVar(&cfg.chunk, "chunk", envInt("BENCH_CHUNK", 25), "documents per submit request")
	flag.IntVar(&cfg.concurrency, "concurrency", envInt("BENCH_CONCURRENCY", 4), "parallel submit requests")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Minute, "overall deadline")
	flag.StringVar(&cfg.modelVersion, "model", envOr("MODEL_VERSION", ""), "model version, empty for the server default")
	flag.Parse()

	if cfg.xSteps < 1 || cfg.ySteps < 1 || cfg.chunk < 1 || cfg.concurrency < 1 {
		log.Fatalf("x, y, chunk and concurrency must be positive")
	}
	return cfg
}

// util helpers
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
