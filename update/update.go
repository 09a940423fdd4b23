// Package update services remote firmware updates through the balena supervisor.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"pir-motion-cam/config"
)

// Kind classifies a poll result
type Kind int

const (
	Idle Kind = iota
	Pending
	Downloading
	Installing
	Error
)

func (k Kind) String() string {
	switch k {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Downloading:
		return "downloading"
	case Installing:
		return "installing"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText renders the kind by name in JSON
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Result is returned by every Poll; the scheduler logs it
type Result struct {
	Kind     Kind    `json:"kind"`
	Status   string  `json:"status,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	// Polled is false when the supervisor was not queried this call
	Polled bool `json:"polled"`
	// Applied is true when this poll asked the supervisor to install a pending update
	Applied bool  `json:"applied,omitempty"`
	Err     error `json:"-"`
}

// Service is polled once per scheduler tick and must return promptly
type Service interface {
	Poll(ctx context.Context) Result
}

// Noop is used when update servicing is disabled
type Noop struct{}

func (Noop) Poll(context.Context) Result {
	return Result{Kind: Idle}
}

// DeviceState is the supervisor's /v2/state/status payload
type DeviceState struct {
	Status           string  `json:"status"`
	UpdatePending    bool    `json:"update_pending"`
	DownloadProgress float64 `json:"download_progress"`
	OSVersion        string  `json:"os_version"`
}

// SupervisorService queries the supervisor at most once per poll interval.
// Between queries Poll returns the previous result without any I/O.
type SupervisorService struct {
	address      string
	apiKey       string
	client       *http.Client
	interval     time.Duration
	timeout      time.Duration
	applyPending bool
	logger       *zap.Logger

	mu       sync.Mutex
	last     Result
	lastPoll time.Time
	applied  bool
	now      func() time.Time
}

// NewSupervisorService creates a poller for the supervisor at cfg.SupervisorAddress
func NewSupervisorService(cfg config.UpdateConfig, logger *zap.Logger) *SupervisorService {
	timeout := time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &SupervisorService{
		address:      strings.TrimRight(cfg.SupervisorAddress, "/"),
		apiKey:       cfg.APIKey,
		client:       &http.Client{Timeout: timeout},
		interval:     time.Duration(cfg.PollIntervalSeconds) * time.Second,
		timeout:      timeout,
		applyPending: cfg.ApplyPending,
		logger:       logger.With(zap.String("component", "update")),
		now:          time.Now,
	}
}

// New returns the configured service, Noop when disabled
func New(cfg config.UpdateConfig, logger *zap.Logger) Service {
	if !cfg.Enabled {
		return Noop{}
	}
	return NewSupervisorService(cfg, logger)
}

// Poll returns the update status, querying the supervisor when the interval has elapsed
func (s *SupervisorService) Poll(ctx context.Context) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.lastPoll.IsZero() && now.Sub(s.lastPoll) < s.interval {
		r := s.last
		r.Polled = false
		r.Applied = false
		return r
	}
	s.lastPoll = now

	state, err := s.getState(ctx)
	if err != nil {
		s.last = Result{Kind: Error, Polled: true, Err: err}
		return s.last
	}

	r := Result{
		Kind:     classify(state),
		Status:   state.Status,
		Progress: state.DownloadProgress,
		Polled:   true,
	}

	switch {
	case r.Kind == Pending && s.applyPending && !s.applied:
		if err := s.triggerUpdate(ctx); err != nil {
			r.Kind = Error
			r.Err = err
		} else {
			s.applied = true
			r.Applied = true
			s.logger.Info("Requested installation of pending update")
		}
	case r.Kind == Idle:
		s.applied = false
	}

	s.last = r
	return r
}

func classify(state *DeviceState) Kind {
	switch strings.ToLower(state.Status) {
	case "downloading":
		return Downloading
	case "installing":
		return Installing
	}
	if state.UpdatePending {
		return Pending
	}
	return Idle
}

func (s *SupervisorService) endpoint(path string) string {
	return fmt.Sprintf("%s%s?apikey=%s", s.address, path, url.QueryEscape(s.apiKey))
}

func (s *SupervisorService) getState(ctx context.Context) (*DeviceState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint("/v2/state/status"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get supervisor state: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supervisor returned status %d", resp.StatusCode)
	}

	var state DeviceState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("failed to decode supervisor response: %w", err)
	}
	return &state, nil
}

func (s *SupervisorService) triggerUpdate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint("/v1/update"),
		strings.NewReader(`{"force":false}`))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to request update: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("supervisor rejected update request: status %d", resp.StatusCode)
	}
	return nil
}

// IsError reports whether r carries a failure
func (r Result) IsError() bool {
	return r.Kind == Error || r.Err != nil
}
