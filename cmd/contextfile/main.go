package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/contextfile"
	"github.com/agentworkforce/contextfile/internal/consumer"
	"github.com/agentworkforce/contextfile/internal/ctxfile"
)

const (
	hookCommand   = "contextfile hook"
	hookCacheFile = ".claude/.contextfile-last-sync"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "sync":
		err = runSync(os.Args[2:])
	case "hook":
		err = runHook(os.Args[2:])
	case "install-hook":
		err = runInstallHook(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("contextfile %s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: contextfile <command> [flags]

commands:
  sync          merge persisted consumer state into the context file
  hook          staleness-cached sync for a pre-tool hook (never fails the caller)
  install-hook  register the hook in .claude/settings.json
  serve         run a demo service with observation and the inspection API`)
}

func runSync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	service := fs.String("service", envOrDefault("CONTEXTFILE_SERVICE", ""), "service name")
	output := fs.String("output", envOrDefault("CONTEXTFILE_OUTPUT", "CLAUDE.md"), "context file to update")
	stateDSN := fs.String("state", envOrDefault("CONTEXTFILE_STATE_DSN", ""), "state backend dsn (file path, memory://, postgres://)")
	maxConsumers := fs.Int("max-consumers", intEnv("CONTEXTFILE_MAX_CONSUMERS", 0), "consumers kept in the rendered section")
	maxEndpoints := fs.Int("max-endpoints", intEnv("CONTEXTFILE_MAX_ENDPOINTS", 0), "endpoints kept per consumer")
	dryRun := fs.Bool("dry-run", false, "print the rendered section without writing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*service) == "" {
		return errors.New("service name is required (--service or CONTEXTFILE_SERVICE)")
	}
	if strings.TrimSpace(*stateDSN) == "" {
		return errors.New("state backend is required (--state or CONTEXTFILE_STATE_DSN)")
	}

	snap, err := loadSnapshot(*service, *stateDSN, *maxConsumers, *maxEndpoints)
	if err != nil {
		return err
	}
	if len(snap.Records) == 0 {
		fmt.Printf("no consumer data recorded for service %q\n", *service)
		return nil
	}

	if *dryRun {
		fmt.Println(ctxfile.RenderSection(snap, time.Now().UTC()))
		return nil
	}

	syncer := ctxfile.NewSynchronizer(ctxfile.SynchronizerOptions{Logger: log.Default()})
	result, err := syncer.Sync(*output, snap)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s (%d consumers)\n", result.Status, *output, len(snap.Records))
	return nil
}

// runHook is wired as a pre-tool hook: it syncs at most once per cache window
// and never exits non-zero, so a broken sync cannot block the tool run.
func runHook(args []string) error {
	fs := flag.NewFlagSet("hook", flag.ExitOnError)
	cacheMinutes := fs.Int("cache-minutes", intEnv("CONTEXTFILE_CACHE_MINUTES", 60), "minimum minutes between hook syncs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	service := strings.TrimSpace(os.Getenv("CONTEXTFILE_SERVICE"))
	if service == "" {
		// Not configured for this project, pass through silently.
		return nil
	}

	if age, ok := cacheAge(hookCacheFile); ok && age < time.Duration(*cacheMinutes)*time.Minute {
		return nil
	}

	output := envOrDefault("CONTEXTFILE_OUTPUT", "CLAUDE.md")
	stateDSN := strings.TrimSpace(os.Getenv("CONTEXTFILE_STATE_DSN"))
	if stateDSN != "" {
		snap, err := loadSnapshot(service, stateDSN, 0, 0)
		if err == nil && len(snap.Records) > 0 {
			syncer := ctxfile.NewSynchronizer(ctxfile.SynchronizerOptions{})
			if _, syncErr := syncer.Sync(output, snap); syncErr != nil {
				err = syncErr
			}
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "contextfile hook: sync failed (non-fatal): %v\n", err)
			return nil
		}
	}

	if err := writeCacheStamp(hookCacheFile); err != nil {
		fmt.Fprintf(os.Stderr, "contextfile hook: cache write failed (non-fatal): %v\n", err)
	}
	return nil
}

func runInstallHook(args []string) error {
	fs := flag.NewFlagSet("install-hook", flag.ExitOnError)
	global := fs.Bool("global", false, "install in ~/.claude/settings.json instead of .claude/settings.json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	settingsPath := filepath.Join(".claude", "settings.json")
	if *global {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		settingsPath = filepath.Join(home, ".claude", "settings.json")
	}

	installed, err := installHook(settingsPath)
	if err != nil {
		return err
	}
	if !installed {
		fmt.Println("contextfile hook is already installed.")
		return nil
	}
	fmt.Printf("Hook installed in %s\n", settingsPath)
	fmt.Println("Make sure CONTEXTFILE_SERVICE is set in your environment.")
	return nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", envOrDefault("CONTEXTFILE_CONFIG", ""), "path to contextfile.yaml")
	addr := fs.String("addr", envOrDefault("CONTEXTFILE_ADDR", ":8080"), "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var cfg contextfile.Config
	if *configPath != "" {
		loaded, err := contextfile.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if cfg.Service == "" {
		cfg.Service = envOrDefault("CONTEXTFILE_SERVICE", "")
	}
	if cfg.Output == "" {
		cfg.Output = envOrDefault("CONTEXTFILE_OUTPUT", "CLAUDE.md")
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = durationEnv("CONTEXTFILE_SYNC_INTERVAL", 30*time.Second)
	}
	if cfg.StateDSN == "" {
		cfg.StateDSN = os.Getenv("CONTEXTFILE_STATE_DSN")
	}
	cfg.Logger = log.Default()

	engine, err := contextfile.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := engine.Close(); closeErr != nil {
			log.Printf("shutdown sync failed: %v", closeErr)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/contextfile/", http.StripPrefix("/contextfile", engine.Handler()))
	mux.Handle("/", engine.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})))

	server := &http.Server{Addr: *addr, Handler: mux}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("contextfile serving %s on %s", cfg.Service, *addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-rootCtx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// loadSnapshot rebuilds a registry from persisted state and applies retention.
func loadSnapshot(service, stateDSN string, maxConsumers, maxEndpoints int) (consumer.Snapshot, error) {
	backend, err := consumer.BuildStateBackendFromDSN(stateDSN)
	if err != nil {
		return consumer.Snapshot{}, err
	}
	defer func() { _ = consumer.CloseBackend(backend) }()

	state, err := backend.Load()
	if err != nil {
		return consumer.Snapshot{}, err
	}
	registry := consumer.NewRegistry(consumer.RegistryOptions{Service: service})
	registry.ImportState(state)

	policy := consumer.RetentionPolicy{
		MaxConsumers:            maxConsumers,
		MaxEndpointsPerConsumer: maxEndpoints,
	}
	return policy.Filter(registry.Snapshot()), nil
}

func cacheAge(path string) (time.Duration, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	stamp, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		// Corrupt stamp, treat the cache as stale.
		return 0, false
	}
	return time.Since(time.Unix(stamp, 0)), true
}

func writeCacheStamp(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.FormatInt(time.Now().Unix(), 10)), 0o644)
}

// installHook adds the hook entry to the settings file. Returns false when an
// identical entry is already present.
func installHook(settingsPath string) (bool, error) {
	settings := map[string]any{}
	if data, err := os.ReadFile(settingsPath); err == nil {
		if err := json.Unmarshal(data, &settings); err != nil {
			return false, fmt.Errorf("%s contains invalid JSON: %w", settingsPath, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}

	hooks, _ := settings["hooks"].(map[string]any)
	if hooks == nil {
		hooks = map[string]any{}
		settings["hooks"] = hooks
	}
	preToolUse, _ := hooks["PreToolUse"].([]any)

	for _, entry := range preToolUse {
		entryMap, _ := entry.(map[string]any)
		entryHooks, _ := entryMap["hooks"].([]any)
		for _, h := range entryHooks {
			hm, _ := h.(map[string]any)
			if hm["command"] == hookCommand {
				return false, nil
			}
		}
	}

	preToolUse = append(preToolUse, map[string]any{
		"matcher": "Edit|Write|NotebookEdit",
		"hooks": []any{
			map[string]any{"type": "command", "command": hookCommand},
		},
	})
	hooks["PreToolUse"] = preToolUse

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(settingsPath), 0o755); err != nil {
		return false, err
	}
	return true, os.WriteFile(settingsPath, append(data, '\n'), 0o644)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
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
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
