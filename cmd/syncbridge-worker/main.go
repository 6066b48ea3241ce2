package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/syncbridge/internal/logging"
	"github.com/agentworkforce/syncbridge/internal/syncbridge"
	"github.com/agentworkforce/syncbridge/internal/syncclient"
)

// maxRoundsPerCycle bounds how many batches one cycle drains back to back.
const maxRoundsPerCycle = 10

func main() {
	serverURL := flag.String("server", envOrDefault("SYNCBRIDGE_SERVER_URL", "http://127.0.0.1:8080"), "syncbridge server URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("SYNCBRIDGE_TOKEN")), "bearer token")
	interval := flag.Duration("interval", durationEnv("SYNCBRIDGE_WORKER_INTERVAL", 30*time.Second), "drain interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("SYNCBRIDGE_WORKER_INTERVAL_JITTER", 0.2), "drain interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("SYNCBRIDGE_WORKER_TIMEOUT", 2*time.Minute), "per-cycle timeout")
	logLevel := flag.String("log-level", envOrDefault("SYNCBRIDGE_LOG_LEVEL", "info"), "log level")
	once := flag.Bool("once", false, "run one drain cycle and exit")
	flag.Parse()

	logger, _, err := logging.New(*logLevel, logging.FormatJSON)
	if err != nil {
		fmt.Fprintln(os.Stderr, "syncbridge-worker:", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 2 * time.Minute
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	client := syncclient.New(*serverURL, *token, &http.Client{Timeout: *timeout})
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		total, rounds, err := drainCycle(ctx, client, maxRoundsPerCycle)
		fields := []zap.Field{
			zap.Int("rounds", rounds),
			zap.Int("claimed", total.Claimed),
			zap.Int("done", total.Done),
			zap.Int("failed", total.Failed),
			zap.Int("retrying", total.Retrying),
			zap.Int("deferred", total.Deferred),
		}
		if err != nil {
			logger.Warn("drain cycle failed", append(fields, zap.Error(err))...)
			return
		}
		logger.Info("drain cycle completed", fields...)
	}

	run()
	if *once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			logger.Info("drain worker stopping", zap.Error(rootCtx.Err()))
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

type drainer interface {
	Drain(ctx context.Context) (syncbridge.DrainResult, error)
}

// drainCycle keeps draining while batches come back non-empty and nothing
// was deferred by the in-flight limit.
func drainCycle(ctx context.Context, d drainer, maxRounds int) (syncbridge.DrainResult, int, error) {
	var total syncbridge.DrainResult
	rounds := 0
	for rounds < maxRounds {
		result, err := d.Drain(ctx)
		if err != nil {
			return total, rounds, err
		}
		rounds++
		total.Claimed += result.Claimed
		total.Done += result.Done
		total.Failed += result.Failed
		total.Retrying += result.Retrying
		total.Deferred += result.Deferred
		if result.Claimed == 0 || result.Deferred > 0 {
			break
		}
	}
	return total, rounds, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %s\n", name, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %f\n", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by up to ±jitterRatio using a
// sample in [0,1].
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	sample = min(max(sample, 0), 1)
	factor := max(1+((sample*2)-1)*jitterRatio, 0)
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
