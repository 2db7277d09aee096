// Package contextfile observes inbound HTTP traffic, aggregates which
// upstream consumers call a service and how, and keeps that summary current
// inside the managed region of a context file such as CLAUDE.md.
package contextfile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/contextfile/internal/capture"
	"github.com/agentworkforce/contextfile/internal/consumer"
	"github.com/agentworkforce/contextfile/internal/ctxfile"
	"github.com/agentworkforce/contextfile/internal/httpapi"
)

// Config is the embedding service's view of the engine, loadable from a
// contextfile.yaml.
type Config struct {
	// Service is the name of the observed service, required.
	Service string `yaml:"service"`
	// Output is the context file to keep in sync. Defaults to ./CLAUDE.md.
	Output string `yaml:"output"`
	// SyncInterval between scheduled file syncs. Defaults to 30s. In YAML
	// this is the sync_interval duration string, e.g. "45s" or "2m".
	SyncInterval    time.Duration `yaml:"-"`
	SyncIntervalRaw string        `yaml:"sync_interval"`
	// SignalPriority orders identity provenances, highest first. Defaults to
	// explicit-header, trace-attribute, inferred-from-client-cert,
	// inferred-from-user-agent.
	SignalPriority []string `yaml:"signal_priority"`
	// PrimarySignal breaks ties between signals of equal provenance.
	PrimarySignal string `yaml:"primary_signal"`
	// CallerHeaders are the request headers carrying an explicit identity.
	CallerHeaders []string `yaml:"caller_headers"`

	MaxConsumers         int `yaml:"max_consumers"`
	MaxEndpoints         int `yaml:"max_endpoints"`
	MaxTrackedIdentities int `yaml:"max_tracked_identities"`
	MaxBodyDepth         int `yaml:"max_body_depth"`
	MaxBodyBytes         int `yaml:"max_body_bytes"`

	// StateDSN selects where registry state persists across restarts:
	// a file path, "memory://", or a postgres:// DSN. Empty disables
	// persistence.
	StateDSN string `yaml:"state_dsn"`

	// WatchOutput re-syncs when something else edits the output file.
	WatchOutput bool `yaml:"watch_output"`

	Logger Logger `yaml:"-"`
}

type Logger interface {
	Printf(format string, args ...any)
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if raw := strings.TrimSpace(cfg.SyncIntervalRaw); raw != "" {
		interval, parseErr := time.ParseDuration(raw)
		if parseErr != nil {
			return cfg, fmt.Errorf("invalid sync_interval %q: %w", raw, parseErr)
		}
		cfg.SyncInterval = interval
	}
	return cfg, nil
}

// Engine ties the registry, the capture adapters, the synchronizer and the
// scheduler together behind one handle.
type Engine struct {
	cfg      Config
	registry *consumer.Registry
	resolver consumer.Resolver
	policy   consumer.RetentionPolicy
	syncer   *ctxfile.Synchronizer
	sched    *ctxfile.Scheduler
	backend  consumer.StateBackend
	output   string
}

// New builds and starts an engine. The returned engine observes nothing until
// its middleware or span processor is attached; Close flushes the file one
// last time.
func New(cfg Config) (*Engine, error) {
	if strings.TrimSpace(cfg.Service) == "" {
		return nil, errors.New("service name is required")
	}
	output := cfg.Output
	if output == "" {
		output = "CLAUDE.md"
	}

	e := &Engine{
		cfg:      cfg,
		output:   output,
		registry: consumer.NewRegistry(consumer.RegistryOptions{
			Service:       cfg.Service,
			MaxIdentities: cfg.MaxTrackedIdentities,
		}),
		resolver: consumer.Resolver{
			Priority:      parsePriority(cfg.SignalPriority),
			PrimarySignal: cfg.PrimarySignal,
		},
		policy: consumer.RetentionPolicy{
			MaxConsumers:            cfg.MaxConsumers,
			MaxEndpointsPerConsumer: cfg.MaxEndpoints,
		},
		syncer: ctxfile.NewSynchronizer(ctxfile.SynchronizerOptions{Logger: cfg.Logger}),
	}

	backend, err := consumer.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		return nil, err
	}
	e.backend = backend
	if backend != nil {
		state, loadErr := backend.Load()
		if loadErr != nil {
			if cfg.Logger != nil {
				cfg.Logger.Printf("contextfile: state load failed, starting empty: %v", loadErr)
			}
		} else {
			e.registry.ImportState(state)
		}
	}

	watchPath := ""
	if cfg.WatchOutput {
		watchPath = output
	}
	sched, err := ctxfile.NewScheduler(e.syncCycle, ctxfile.SchedulerOptions{
		Interval:  cfg.SyncInterval,
		WatchPath: watchPath,
		Logger:    cfg.Logger,
	})
	if err != nil {
		if backend != nil {
			_ = consumer.CloseBackend(backend)
		}
		return nil, err
	}
	e.sched = sched
	return e, nil
}

// Middleware wraps an http.Handler so every completed request is observed.
func (e *Engine) Middleware(next http.Handler) http.Handler {
	return capture.Middleware(e.registry, capture.MiddlewareOptions{
		CallerHeaders: e.cfg.CallerHeaders,
		Resolver:      e.resolver,
		MaxBodyBytes:  int64(e.cfg.MaxBodyBytes),
		MaxBodyDepth:  e.cfg.MaxBodyDepth,
		Logger:        e.cfg.Logger,
	})(next)
}

// SpanProcessor adapts the engine to an OpenTelemetry tracer provider.
func (e *Engine) SpanProcessor() *capture.SpanProcessor {
	return capture.NewSpanProcessor(e.registry, capture.SpanProcessorOptions{
		Resolver: e.resolver,
		Logger:   e.cfg.Logger,
		Flush: func(ctx context.Context) error {
			_, err := e.Sync(ctx)
			return err
		},
	})
}

// Observe feeds one observation directly, for adapters beyond HTTP and OTel.
func (e *Engine) Observe(obs consumer.Observation) {
	e.registry.Record(e.resolver.Resolve(obs), obs)
}

// Snapshot returns the retention-filtered registry state.
func (e *Engine) Snapshot() consumer.Snapshot {
	return e.policy.Filter(e.registry.Snapshot())
}

// Sync runs one full cycle now: snapshot, retention, file merge, state save.
func (e *Engine) Sync(ctx context.Context) (ctxfile.SyncResult, error) {
	return e.syncCycle(ctx)
}

// TriggerSync schedules a sync without blocking.
func (e *Engine) TriggerSync() {
	e.sched.Trigger()
}

// Handler returns the inspection API: /health, /v1/snapshot, /v1/sync.
func (e *Engine) Handler() http.Handler {
	return httpapi.NewServer(e.registry, e.Sync, httpapi.ServerConfig{
		Retention: e.policy,
	})
}

// Close stops the scheduler, flushes the file once more, and releases the
// state backend.
func (e *Engine) Close() error {
	err := e.sched.Close()
	if e.backend != nil {
		if closeErr := consumer.CloseBackend(e.backend); err == nil {
			err = closeErr
		}
	}
	return err
}

func (e *Engine) syncCycle(ctx context.Context) (ctxfile.SyncResult, error) {
	if err := ctx.Err(); err != nil {
		return ctxfile.SyncResult{Path: e.output}, err
	}
	result, err := e.syncer.Sync(e.output, e.Snapshot())
	if err != nil {
		return result, err
	}
	if e.backend != nil {
		if saveErr := e.backend.Save(e.registry.ExportState()); saveErr != nil {
			if e.cfg.Logger != nil {
				e.cfg.Logger.Printf("contextfile: state save failed: %v", saveErr)
			}
		}
	}
	return result, nil
}

func parsePriority(names []string) []consumer.Provenance {
	if len(names) == 0 {
		return nil
	}
	out := make([]consumer.Provenance, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		out = append(out, consumer.Provenance(name))
	}
	return out
}
