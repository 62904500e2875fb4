package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const minimalJSON = `{
  "logging": {"level": "info", "console": false, "file": {"enabled": false, "path": ""}},
  "engine": {"workers": 2, "retry_cooldown": "45s"},
  "executor": {"mode": "dryrun"},
  "courses": [{"id": "c-1", "title": "Intro", "duration_minutes": 30}],
  "telegram": {"token": "123:abc", "chat_id": 42}
}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, minimalJSON)

	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "info" || cfg.Engine.Workers != 2 || cfg.Engine.RetryCooldown != "45s" {
		t.Fatalf("parsed config = %+v", cfg)
	}
	if len(cfg.Courses) != 1 || cfg.Courses[0].ID != "c-1" || cfg.Courses[0].DurationMinutes != 30 {
		t.Fatalf("parsed courses = %+v", cfg.Courses)
	}
	if cfg.Telegram == nil || cfg.Telegram.ChatID != 42 {
		t.Fatalf("parsed telegram = %+v", cfg.Telegram)
	}
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown top-level field": `{"logging": {"level": "info", "console": false, "file": {"enabled": false, "path": ""}}, "engine": {}, "executor": {}, "surprise": 1}`,
		"unknown nested field":    `{"logging": {"level": "info", "console": false, "file": {"enabled": false, "path": ""}}, "engine": {"turbo": true}, "executor": {}}`,
		"trailing data":           minimalJSON + `{"logging": {"level": "x", "console": false, "file": {"enabled": false, "path": ""}}, "engine": {}, "executor": {}}`,
		"not json at all":         `level: info`,
	}
	for name, content := range cases {
		name, content := name, content
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "config.json")
			writeFile(t, path, content)
			if _, err := NewConfigManager(path).Parse(); err == nil {
				t.Fatal("Parse accepted a config it should reject")
			}
		})
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
engine:
  workers: 4
  retry_cooldown: 45s
executor:
  mode: dryrun
courses:
  - id: c-1
    type: required
    duration_minutes: 30
telegram:
  token: "123:abc"
  chat_id: 42
`)

	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse yaml: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("parsed logging = %+v", cfg.Logging)
	}
	if cfg.Engine.Workers != 4 || cfg.Engine.RetryCooldown != "45s" {
		t.Fatalf("parsed engine = %+v", cfg.Engine)
	}
	if len(cfg.Courses) != 1 || cfg.Courses[0].Type != "required" {
		t.Fatalf("parsed courses = %+v", cfg.Courses)
	}
	if cfg.Telegram == nil || cfg.Telegram.ChatID != 42 {
		t.Fatalf("parsed telegram = %+v", cfg.Telegram)
	}
}

func TestParseYAMLRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yml")
	writeFile(t, path, `
logging:
  level: info
  console: false
  file:
    enabled: false
    path: ""
engine: {}
executor: {}
surprise: true
`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("unknown yaml key accepted")
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused")
	ch := m.Subscribe(1)

	a := &Config{Logging: LoggingConfig{Level: "a"}}
	b := &Config{Logging: LoggingConfig{Level: "b"}}
	m.publish(a)
	m.publish(b)

	select {
	case got := <-ch:
		if got != b {
			t.Fatalf("received %q, want the newest config", got.Logging.Level)
		}
	default:
		t.Fatal("no config delivered")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	// A second Unsubscribe and a nil one are both harmless.
	m.Unsubscribe(ch)
	m.Unsubscribe(nil)
}

func TestWatchPublishesValidatedChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{"logging": {"level": "info", "console": false, "file": {"enabled": false, "path": ""}}, "engine": {}, "executor": {}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var (
		vmu    sync.Mutex
		reject bool
	)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		vmu.Lock()
		defer vmu.Unlock()
		if reject {
			return errors.New("vetoed")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan error, 1)
	go func() { watchDone <- m.Watch(ctx) }()

	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	// The watcher attaches asynchronously; rewrite until the change lands.
	v2 := `{"logging": {"level": "debug", "console": false, "file": {"enabled": false, "path": ""}}, "engine": {}, "executor": {}}`
	writeFile(t, path, v2)
	var got *Config
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
WAIT:
	for {
		select {
		case got = <-ch:
			break WAIT
		case <-tick.C:
			writeFile(t, path, v2)
		case <-deadline:
			t.Fatal("config change never published")
		}
	}
	if got.Logging.Level != "debug" {
		t.Fatalf("published level = %q, want debug", got.Logging.Level)
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("change not committed")
	}

	// A file that fails to parse is neither committed nor published.
	writeFile(t, path, `{"nope": true}`)
	time.Sleep(700 * time.Millisecond)
	select {
	case cfg := <-ch:
		t.Fatalf("broken config published: %+v", cfg)
	default:
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("broken config committed")
	}

	// The validator vetoes an otherwise valid config.
	vmu.Lock()
	reject = true
	vmu.Unlock()
	writeFile(t, path, `{"logging": {"level": "warn", "console": false, "file": {"enabled": false, "path": ""}}, "engine": {}, "executor": {}}`)
	time.Sleep(700 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("vetoed config published")
	default:
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("vetoed config committed")
	}

	cancel()
	select {
	case err := <-watchDone:
		if err != nil {
			t.Fatalf("Watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop on cancel")
	}
}
