package pmfs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// WorkerConfig tunes the background GC worker's pacing, ported from
// original_source/fs/hmfs/gc.h.
type WorkerConfig struct {
	MinSleep            time.Duration
	MaxSleep            time.Duration
	NoGCSleep           time.Duration
	SevereFreeBlocksPct int
	BurstConcurrency    int64
}

// DefaultWorkerConfig matches the source's GCThreadMinSleep/MaxSleep/
// NoGCSleep constants.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MinSleep:            3 * time.Second,
		MaxSleep:            6 * time.Second,
		NoGCSleep:           3 * time.Second,
		SevereFreeBlocksPct: SevereFreeBlocksPct,
		BurstConcurrency:    4,
	}
}

// Worker runs the background GC sweep loop.
type Worker struct {
	gc       *GC
	segmap   *SegMap
	cm       *CheckpointManager
	cfg      WorkerConfig
	log      *logrus.Entry
	statTick *time.Ticker
	cancel   context.CancelFunc
	eg       *errgroup.Group
}

// NewWorker constructs a stopped Worker; call Run to start it.
func NewWorker(gc *GC, segmap *SegMap, cm *CheckpointManager, cfg WorkerConfig, log *logrus.Entry) *Worker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Worker{gc: gc, segmap: segmap, cm: cm, cfg: cfg, log: log}
}

// Run starts the scan/relocate loop and a companion stats-logging
// goroutine, both under one errgroup so either's failure (or ctx
// cancellation) shuts both down together.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	eg, ctx := errgroup.WithContext(ctx)
	w.eg = eg

	eg.Go(func() error { return w.scanLoop(ctx) })
	eg.Go(func() error { return w.statsLoop(ctx) })

	return eg.Wait()
}

// Stop requests shutdown and waits for both loops to exit.
func (w *Worker) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.eg != nil {
		return w.eg.Wait()
	}
	return nil
}

func (w *Worker) scanLoop(ctx context.Context) error {
	sleep := w.cfg.NoGCSleep
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		mode := ModeBgGC
		policy := PolicyCostBenefit
		if w.freeBlocksPct() < w.cfg.SevereFreeBlocksPct {
			mode = ModeFgGC
			policy = PolicyGreedy
		}

		relocated, victim, err := w.gc.Run(mode, policy)
		if err != nil && err != ErrNoData {
			return err
		}

		if mode == ModeFgGC && victim != NULLSegNo {
			w.burst(ctx)
		}

		if relocated == 0 {
			sleep = increaseSleep(sleep, w.cfg.MaxSleep)
		} else {
			sleep = decreaseSleep(sleep, w.cfg.MinSleep)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

// burst relocates a handful of additional victims concurrently, bounded
// by a weighted semaphore, when free space is under severe pressure.
// Relocation across distinct segments only collides if two victims share
// an owner node, which the reference NAT's per-nid locking makes safe but
// rare enough in practice to accept for this bounded burst.
func (w *Worker) burst(ctx context.Context) {
	sem := semaphore.NewWeighted(w.cfg.BurstConcurrency)
	eg, ctx := errgroup.WithContext(ctx)

	for i := 0; i < int(w.cfg.BurstConcurrency); i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		eg.Go(func() error {
			defer sem.Release(1)
			_, _, err := w.gc.Run(ModeFgGC, PolicyGreedy)
			if err == ErrNoData {
				return nil
			}
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		w.log.WithError(err).Warn("gc burst round failed")
	}
}

func (w *Worker) freeBlocksPct() int {
	total := w.segmap.Total()
	if total == 0 {
		return 100
	}
	return w.segmap.FreeCount() * 100 / total
}

// increaseSleep and decreaseSleep ratchet toward max/min by half and
// quarter steps, clamped at the bound — after original_source's
// increase_sleep_time / decrease_sleep_time. NoGCSleep is only the scan
// loop's starting sleep; neither function consults it.
func increaseSleep(cur, max time.Duration) time.Duration {
	next := cur + cur/2
	if next > max {
		next = max
	}
	return next
}

func decreaseSleep(cur, min time.Duration) time.Duration {
	next := cur - cur/4
	if next < min {
		next = min
	}
	return next
}

func (w *Worker) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.log.WithFields(logrus.Fields{
				"free_segments": w.segmap.FreeCount(),
				"prefree":       w.segmap.PrefreeCount(),
				"in_use":        w.segmap.InUseCount(),
			}).Debug("gc worker stats")
		}
	}
}
