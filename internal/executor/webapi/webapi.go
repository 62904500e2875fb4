// Package webapi drives the study portal's HTTP API.
//
// Expected portal contract (JSON over HTTP, cookie session):
//
//	POST /api/login              {"username","password"}    -> {"ok"}
//	GET  /api/courses/{id}                                  -> {"ok","progress","playable"}
//	POST /api/study/start        {"course_id"}              -> {"ok"}
//	POST /api/study/heartbeat    {"course_id","seconds"}    -> {"ok","progress"}
//	POST /api/logout                                        -> {"ok"}
//
// Every request passes through one shared rate limiter so concurrent
// workers cannot stampede the portal.
package webapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/huahua9185/auto-study-advanced-sub001/internal/engine"
	logx "github.com/huahua9185/auto-study-advanced-sub001/pkg/logx"
)

type Config struct {
	BaseURL  string
	Username string
	Password string // never logged

	// RatePerSec/Burst throttle portal requests across all workers.
	RatePerSec float64
	Burst      int

	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration

	// Heartbeat is the interval between watch-progress posts while a
	// course is playing.
	Heartbeat time.Duration

	InsecureSkipVerify bool
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 2
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 5 * time.Second
	}
	return c
}

func (c Config) validate() error {
	u, err := url.Parse(strings.TrimSpace(c.BaseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("webapi: base_url %q is not an absolute URL", c.BaseURL)
	}
	if strings.TrimSpace(c.Username) == "" {
		return errors.New("webapi: username is required")
	}
	return nil
}

// Factory validates the config once and shares a single limiter across all
// pooled executor instances.
func Factory(cfg Config, log logx.Logger) (engine.Factory, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	return func() (engine.Executor, error) {
		return newExecutor(cfg, log, limiter)
	}, nil
}

// Executor holds one portal session. Instances are pooled by the engine;
// each carries its own cookie jar so sessions never bleed across workers.
type Executor struct {
	cfg     Config
	log     logx.Logger
	limiter *rate.Limiter
	client  *http.Client
	base    string

	mu       sync.Mutex
	loggedIn bool
}

func newExecutor(cfg Config, log logx.Logger, limiter *rate.Limiter) (*Executor, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("webapi: cookie jar: %w", err)
	}

	d := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          8,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if cfg.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Executor{
		cfg:     cfg,
		log:     log,
		limiter: limiter,
		client:  &http.Client{Transport: tr, Jar: jar, Timeout: cfg.Timeout},
		base:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
	}, nil
}

// Prepare logs the session in. The engine calls it once per pooled
// instance.
func (e *Executor) Prepare(ctx context.Context) error {
	return e.login(ctx)
}

func (e *Executor) Eligible(ctx context.Context, job engine.JobSnapshot) (bool, error) {
	var out struct {
		OK       bool    `json:"ok"`
		Progress float64 `json:"progress"`
		Playable bool    `json:"playable"`
	}
	err := e.doJSON(ctx, http.MethodGet, "/api/courses/"+url.PathEscape(job.Course.ID), nil, &out)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return false, engine.NoRetry(fmt.Errorf("course %s not on the portal", job.Course.ID))
		}
		return false, err
	}
	if out.Progress >= 100 {
		return false, nil
	}
	if !out.Playable {
		return false, engine.NoRetry(fmt.Errorf("course %s is not playable", job.Course.ID))
	}
	return true, nil
}

func (e *Executor) Run(ctx context.Context, job engine.JobSnapshot, report func(progress float64)) error {
	start := struct {
		CourseID string `json:"course_id"`
	}{CourseID: job.Course.ID}
	var started struct {
		OK bool `json:"ok"`
	}
	if err := e.doJSON(ctx, http.MethodPost, "/api/study/start", start, &started); err != nil {
		return fmt.Errorf("start playback: %w", err)
	}

	e.log.Debug("playback started",
		logx.String("course", job.Course.ID),
		logx.Float64("progress", job.Progress),
	)

	beat := struct {
		CourseID string `json:"course_id"`
		Seconds  int    `json:"seconds"`
	}{CourseID: job.Course.ID, Seconds: int(e.cfg.Heartbeat.Seconds())}

	tick := time.NewTicker(e.cfg.Heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}

		var out struct {
			OK       bool    `json:"ok"`
			Progress float64 `json:"progress"`
		}
		if err := e.doJSON(ctx, http.MethodPost, "/api/study/heartbeat", beat, &out); err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		report(out.Progress)
		if out.Progress >= 100 {
			return nil
		}
	}
}

// Close logs the session out, best-effort. Called by the engine when the
// pool drops the instance.
func (e *Executor) Close() error {
	e.mu.Lock()
	loggedIn := e.loggedIn
	e.loggedIn = false
	e.mu.Unlock()

	if loggedIn {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var out struct {
			OK bool `json:"ok"`
		}
		if err := e.doJSON(ctx, http.MethodPost, "/api/logout", nil, &out); err != nil {
			e.log.Debug("portal logout failed", logx.Any("err", err))
		}
	}
	e.client.CloseIdleConnections()
	return nil
}

func (e *Executor) login(ctx context.Context) error {
	creds := struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}{Username: e.cfg.Username, Password: e.cfg.Password}
	var out struct {
		OK      bool   `json:"ok"`
		Message string `json:"message"`
	}
	if err := e.doRequest(ctx, http.MethodPost, "/api/login", creds, &out); err != nil {
		return fmt.Errorf("portal login: %w", err)
	}
	if !out.OK {
		if out.Message != "" {
			return fmt.Errorf("portal login rejected: %s", out.Message)
		}
		return errors.New("portal login rejected")
	}

	e.mu.Lock()
	e.loggedIn = true
	e.mu.Unlock()
	e.log.Info("portal session established", logx.String("user", e.cfg.Username))
	return nil
}

var (
	errNotFound     = errors.New("not found")
	errUnauthorized = errors.New("unauthorized")
)

// doJSON performs a request and transparently re-logins once when the
// portal expired the session mid-run.
func (e *Executor) doJSON(ctx context.Context, method, path string, in, out any) error {
	err := e.doRequest(ctx, method, path, in, out)
	if !errors.Is(err, errUnauthorized) {
		return err
	}

	e.log.Warn("portal session expired, logging in again")
	e.mu.Lock()
	e.loggedIn = false
	e.mu.Unlock()
	if err := e.login(ctx); err != nil {
		return err
	}
	return e.doRequest(ctx, method, path, in, out)
}

func (e *Executor) doRequest(ctx context.Context, method, path string, in, out any) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}

	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("portal %s: %w", path, errNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("portal %s: %w", path, errUnauthorized)
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("portal %s: http %d", path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}
