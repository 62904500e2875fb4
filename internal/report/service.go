// Package report publishes operator-facing status: a JSON snapshot file
// rewritten on an interval, and a daily summary pushed onto the event bus
// ("report.daily") for the notifier to deliver.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/huahua9185/auto-study-advanced-sub001/internal/engine"
	"github.com/huahua9185/auto-study-advanced-sub001/internal/eventbus"
	"github.com/huahua9185/auto-study-advanced-sub001/internal/storage"
	logx "github.com/huahua9185/auto-study-advanced-sub001/pkg/logx"
)

// Config controls the report service.
type Config struct {
	Enabled   bool
	Path      string        // status snapshot file
	Interval  time.Duration // snapshot rewrite interval
	DailyCron string        // cron spec for the daily summary
	Timezone  string        // IANA TZ for the cron schedule, e.g. "Asia/Shanghai"
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "./autostudy_status.json"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if strings.TrimSpace(cfg.DailyCron) == "" {
		cfg.DailyCron = "0 21 * * *"
	}
	return cfg
}

// StatusFile is the on-disk status document.
type StatusFile struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Engine      engine.Stats `json:"engine"`
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	log logx.Logger
	bus eventbus.Bus

	engine *engine.Service
	store  storage.Store // optional; enriches the daily summary

	parser cron.Parser
	c      *cron.Cron
}

func New(cfg Config, eng *engine.Service, st storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    withDefaults(cfg),
		log:    log,
		bus:    bus,
		engine: eng,
		store:  st,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the config. A change while running rebuilds the schedule.
func (s *Service) Apply(cfg Config) {
	norm := withDefaults(cfg)
	s.mu.Lock()
	changed := norm != s.cfg
	s.cfg = norm
	running := s.c != nil
	s.mu.Unlock()
	if !changed || !running {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.Stop(ctx)
	cancel()
	s.Start(context.Background())
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		return
	}

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	if _, err := s.c.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), s.snapshotJob); err != nil {
		s.log.Error("status snapshot schedule failed", logx.Any("err", err))
	}
	if _, err := s.c.AddFunc(s.cfg.DailyCron, s.dailyJob); err != nil {
		s.log.Error("daily summary spec invalid", logx.String("spec", s.cfg.DailyCron), logx.Any("err", err))
	}

	s.c.Start()
	s.log.Info("service started",
		logx.String("tz", loc.String()),
		logx.String("path", s.cfg.Path),
		logx.String("daily", s.cfg.DailyCron),
	)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Any("err", err))
		return time.Local
	}
	return loc
}

func (s *Service) snapshotJob() {
	if err := s.WriteNow(); err != nil {
		s.log.Warn("status snapshot write failed", logx.Any("err", err))
	}
}

// WriteNow writes the status snapshot once. The write goes through a temp
// file and a rename, so readers never observe a partial document.
func (s *Service) WriteNow() error {
	s.mu.Lock()
	path := s.cfg.Path
	s.mu.Unlock()
	if path == "" || s.engine == nil {
		return nil
	}

	doc := StatusFile{GeneratedAt: time.Now(), Engine: s.engine.Status()}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Service) dailyJob() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	text := s.Summary(ctx, time.Now())
	if text == "" {
		return
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "report.daily", Time: time.Now(), Data: text})
	}
	s.log.Info("daily summary published")
}
