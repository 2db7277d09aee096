package ctxfile

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SyncFunc runs one full sync cycle: snapshot, retention, file merge and any
// state persistence. Scheduler errors never reach the request path; they are
// logged and retried.
type SyncFunc func(ctx context.Context) (SyncResult, error)

type SchedulerOptions struct {
	// Interval between periodic syncs. Defaults to 30s.
	Interval time.Duration
	// JitterRatio spreads ticks by +/- the ratio, 0 to 1. Defaults to 0.2.
	JitterRatio float64
	// ErrorBackoff is the initial retry delay after a failed sync; it doubles
	// up to Interval. Defaults to 1s.
	ErrorBackoff time.Duration
	// SyncTimeout bounds a single cycle, including the final flush on Close.
	// Defaults to 10s.
	SyncTimeout time.Duration
	// WatchPath, when set, watches the file's directory and schedules a sync
	// when something other than the scheduler touches the file.
	WatchPath string
	Logger    Logger
}

// Scheduler drives periodic and on-demand syncs. Trigger never blocks;
// requests arriving while a cycle runs coalesce into at most one more.
type Scheduler struct {
	syncFn       SyncFunc
	interval     time.Duration
	jitterRatio  float64
	errorBackoff time.Duration
	syncTimeout  time.Duration
	watchPath    string
	logger       Logger

	trigger   chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	// Unix nanos of the last write this scheduler performed, consulted to
	// ignore fsnotify events caused by its own rename.
	lastWrite atomic.Int64
}

func NewScheduler(syncFn SyncFunc, opts SchedulerOptions) (*Scheduler, error) {
	if syncFn == nil {
		return nil, errors.New("sync function is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	errorBackoff := opts.ErrorBackoff
	if errorBackoff <= 0 {
		errorBackoff = time.Second
	}
	syncTimeout := opts.SyncTimeout
	if syncTimeout <= 0 {
		syncTimeout = 10 * time.Second
	}
	jitterRatio := opts.JitterRatio
	if jitterRatio == 0 {
		jitterRatio = 0.2
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		syncFn:       syncFn,
		interval:     interval,
		jitterRatio:  jitterRatio,
		errorBackoff: errorBackoff,
		syncTimeout:  syncTimeout,
		watchPath:    opts.WatchPath,
		logger:       opts.Logger,
		trigger:      make(chan struct{}, 1),
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	var watcher *fsnotify.Watcher
	if s.watchPath != "" {
		var err error
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			cancel()
			return nil, err
		}
		if err := watcher.Add(filepath.Dir(s.watchPath)); err != nil {
			_ = watcher.Close()
			cancel()
			return nil, err
		}
		go s.watch(ctx, watcher)
	}
	go s.run(ctx, watcher)
	return s, nil
}

// Trigger schedules a sync as soon as the loop is free. Safe from any
// goroutine; a pending trigger absorbs further calls.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Close stops the loop and runs one final bounded sync so the file reflects
// everything observed before shutdown.
func (s *Scheduler) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done

		ctx, cancel := context.WithTimeout(context.Background(), s.syncTimeout)
		defer cancel()
		_, err = s.syncFn(ctx)
	})
	return err
}

func (s *Scheduler) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(s.done)
	if watcher != nil {
		defer func() { _ = watcher.Close() }()
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(s.interval, s.jitterRatio, rng.Float64()))
	defer timer.Stop()

	backoff := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if err := s.syncOnce(ctx); err != nil {
			if backoff == 0 {
				backoff = s.errorBackoff
			} else {
				backoff *= 2
				if backoff > s.interval {
					backoff = s.interval
				}
			}
			timer.Reset(backoff)
			continue
		}
		backoff = 0
		timer.Reset(jitteredIntervalWithSample(s.interval, s.jitterRatio, rng.Float64()))
	}
}

func (s *Scheduler) syncOnce(ctx context.Context) error {
	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.syncFn(syncCtx)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("contextfile: sync failed: %v", err)
		}
		return err
	}
	if result.Status == StatusWritten {
		s.lastWrite.Store(time.Now().UnixNano())
	}
	return nil
}

// watch forwards external edits of the context file into the trigger channel
// so a clobbered managed region is restored promptly. Events landing within
// the suppression window of the scheduler's own rename are its own writes.
func (s *Scheduler) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	const suppressWindow = 500 * time.Millisecond
	base := filepath.Base(s.watchPath)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			last := time.Unix(0, s.lastWrite.Load())
			if time.Since(last) < suppressWindow {
				continue
			}
			s.Trigger()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if s.logger != nil {
				s.logger.Printf("contextfile: watch error: %v", err)
			}
		}
	}
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

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
