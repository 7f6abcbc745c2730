package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"castline/internal/lifecycle"
)

type streamSweeper interface {
	CloseLostStreams(ctx context.Context) (lifecycle.SweepReport, error)
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

func startSweepWorker(ctx context.Context, logger *slog.Logger, sweeper streamSweeper, interval time.Duration) func() {
	return startSweepWorkerWithTicker(ctx, logger, sweeper, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startSweepWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	sweeper streamSweeper,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if sweeper == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				report, err := sweeper.CloseLostStreams(workerCtx)
				if err != nil {
					if logger != nil {
						logger.Error("stream sweep failed", "error", err)
					}
					continue
				}
				if logger != nil && (report.Closed > 0 || len(report.Failures) > 0) {
					logger.Info("stream sweep finished",
						"closed", report.Closed,
						"skipped_live", report.SkippedLive,
						"skipped_pending", report.SkippedPending,
						"failures", len(report.Failures))
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
