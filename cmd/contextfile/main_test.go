package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("CONTEXTFILE_TEST_VALUE", "  configured  ")
	if got := envOrDefault("CONTEXTFILE_TEST_VALUE", "fallback"); got != "configured" {
		t.Fatalf("got %q", got)
	}
	t.Setenv("CONTEXTFILE_TEST_VALUE", "   ")
	if got := envOrDefault("CONTEXTFILE_TEST_VALUE", "fallback"); got != "fallback" {
		t.Fatalf("got %q", got)
	}
}

func TestIntEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("CONTEXTFILE_TEST_INT", "not-a-number")
	if got := intEnv("CONTEXTFILE_TEST_INT", 42); got != 42 {
		t.Fatalf("got %d", got)
	}
	t.Setenv("CONTEXTFILE_TEST_INT", "7")
	if got := intEnv("CONTEXTFILE_TEST_INT", 42); got != 7 {
		t.Fatalf("got %d", got)
	}
}

func TestDurationEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("CONTEXTFILE_TEST_DUR", "whenever")
	if got := durationEnv("CONTEXTFILE_TEST_DUR", time.Minute); got != time.Minute {
		t.Fatalf("got %s", got)
	}
	t.Setenv("CONTEXTFILE_TEST_DUR", "90s")
	if got := durationEnv("CONTEXTFILE_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Fatalf("got %s", got)
	}
}

func TestCacheAge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stamp")
	if _, ok := cacheAge(path); ok {
		t.Fatal("missing stamp should read as stale")
	}

	stamp := strconv.FormatInt(time.Now().Add(-30*time.Minute).Unix(), 10)
	if err := os.WriteFile(path, []byte(stamp+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	age, ok := cacheAge(path)
	if !ok {
		t.Fatal("expected a valid stamp")
	}
	if age < 29*time.Minute || age > 31*time.Minute {
		t.Fatalf("unexpected age: %s", age)
	}

	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok := cacheAge(path); ok {
		t.Fatal("corrupt stamp should read as stale")
	}
}

func TestInstallHookIsIdempotent(t *testing.T) {
	settingsPath := filepath.Join(t.TempDir(), ".claude", "settings.json")

	installed, err := installHook(settingsPath)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if !installed {
		t.Fatal("first install reported already-installed")
	}

	installed, err = installHook(settingsPath)
	if err != nil {
		t.Fatalf("second install: %v", err)
	}
	if installed {
		t.Fatal("second install was not idempotent")
	}

	data, err := os.ReadFile(settingsPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Count(string(data), hookCommand) != 1 {
		t.Fatalf("hook entry duplicated:\n%s", data)
	}
}

func TestInstallHookPreservesExistingSettings(t *testing.T) {
	settingsPath := filepath.Join(t.TempDir(), "settings.json")
	seed := map[string]any{
		"model": "custom",
		"hooks": map[string]any{
			"PreToolUse": []any{
				map[string]any{
					"matcher": "Bash",
					"hooks":   []any{map[string]any{"type": "command", "command": "lint"}},
				},
			},
		},
	}
	data, _ := json.Marshal(seed)
	if err := os.WriteFile(settingsPath, data, 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := installHook(settingsPath); err != nil {
		t.Fatalf("install: %v", err)
	}

	raw, err := os.ReadFile(settingsPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var settings map[string]any
	if err := json.Unmarshal(raw, &settings); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if settings["model"] != "custom" {
		t.Fatal("unrelated settings lost")
	}
	hooks := settings["hooks"].(map[string]any)
	preToolUse := hooks["PreToolUse"].([]any)
	if len(preToolUse) != 2 {
		t.Fatalf("expected 2 hook entries, got %d", len(preToolUse))
	}
}

func TestInstallHookRejectsInvalidJSON(t *testing.T) {
	settingsPath := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(settingsPath, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := installHook(settingsPath); err == nil {
		t.Fatal("expected an error for invalid settings JSON")
	}
}
