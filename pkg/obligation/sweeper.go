// Package obligation runs the scheduled enforcement sweep: on a fixed
// interval every stored agreement is checked for delete duties whose
// deadline has passed, and the payload of each affected artifact is erased.
package obligation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/pdp"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/store"
)

// DefaultInterval is the sweep period used when none is configured.
const DefaultInterval = 60 * time.Second

var (
	ErrAlreadyRunning = errors.New("obligation: sweeper already running")
	ErrSweepInFlight  = errors.New("obligation: sweep already in flight")
)

// PayloadEraser is the part of the artifact payload store the sweep needs.
type PayloadEraser interface {
	Erase(ctx context.Context, artifactID string) error
	IsErased(ctx context.Context, artifactID string) (bool, error)
}

// SweepObserver is told about every completed sweep.
type SweepObserver interface {
	ObserveSweep(ctx context.Context, report SweepReport, elapsed time.Duration)
}

// Config configures a Sweeper.
type Config struct {
	Interval time.Duration
	// Backend is the usage-control framework in use. Sweeps only run for the
	// internal one.
	Backend  pdp.Backend
	Logger   *slog.Logger
	Observer SweepObserver
	Clock    func() time.Time
}

// Sweeper erases payloads whose delete duty is due.
type Sweeper struct {
	agreements store.AgreementLister
	payloads   PayloadEraser
	cfg        Config
	logger     *slog.Logger

	inFlight sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewSweeper creates a Sweeper. It does nothing until Start or RunOnce.
func NewSweeper(agreements store.AgreementLister, payloads PayloadEraser, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Backend == "" {
		cfg.Backend = pdp.BackendInternal
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		agreements: agreements,
		payloads:   payloads,
		cfg:        cfg,
		logger:     logger.With("component", "obligation"),
	}
}

// Enabled reports whether the configured framework lets this sweeper run.
func (s *Sweeper) Enabled() bool {
	return s.cfg.Backend == pdp.BackendInternal
}

// Start launches the periodic sweep. With an external framework it logs and
// returns without scheduling anything.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if !s.Enabled() {
		s.logger.InfoContext(ctx, "enforcement sweep disabled", "backend", s.cfg.Backend)
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx, s.stopCh, s.done)
	s.logger.InfoContext(ctx, "enforcement sweep started", "interval", s.cfg.Interval)
	return nil
}

// Stop halts the periodic sweep and waits for an in-flight cycle to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	done := s.done
	s.running = false
	s.mu.Unlock()
	<-done
	s.logger.Info("enforcement sweep stopped")
}

// IsRunning reports whether the periodic sweep is scheduled.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sweeper) loop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				if errors.Is(err, ErrSweepInFlight) {
					s.logger.DebugContext(ctx, "skipping tick, previous sweep still running")
					continue
				}
				s.logger.WarnContext(ctx, "enforcement sweep failed", "error", err)
			}
		}
	}
}

// RunOnce performs one sweep. A sweep already in flight makes it return
// ErrSweepInFlight without doing anything. Per-agreement failures are
// logged and counted; only failing to list agreements is returned.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	if !s.inFlight.TryLock() {
		return SweepReport{}, ErrSweepInFlight
	}
	defer s.inFlight.Unlock()

	start := s.cfg.Clock()
	report := SweepReport{StartedAt: start.UTC()}

	records, err := s.agreements.Agreements(ctx)
	if err != nil {
		return report, fmt.Errorf("list agreements: %w", err)
	}
	report.Agreements = len(records)

	for _, rec := range records {
		due, erased, err := s.sweepAgreement(ctx, rec, start)
		report.Due += due
		report.Erased += erased
		if err != nil {
			report.Failed++
			s.logger.WarnContext(ctx, "agreement sweep failed", "agreement", rec.ID, "error", err)
		}
	}

	if s.cfg.Observer != nil {
		s.cfg.Observer.ObserveSweep(ctx, report, s.cfg.Clock().Sub(start))
	}
	if report.Erased > 0 || report.Failed > 0 {
		s.logger.InfoContext(ctx, "enforcement sweep finished",
			"agreements", report.Agreements, "erased", report.Erased, "failed", report.Failed)
	}
	return report, nil
}

func (s *Sweeper) sweepAgreement(ctx context.Context, rec *contracts.AgreementRecord, now time.Time) (due, erased int, err error) {
	agreement, err := contracts.ParseAgreement(rec.Value)
	if err != nil {
		return 0, 0, err
	}
	for _, r := range agreement.Rules() {
		isDue, err := DeletionDue(r, now)
		if err != nil {
			return due, erased, fmt.Errorf("rule %q: %w", r.ID, err)
		}
		if !isDue {
			continue
		}
		targets := rec.Artifacts
		if r.Target != "" {
			targets = []string{r.Target}
		}
		for _, target := range targets {
			due++
			done, err := s.erase(ctx, target)
			if err != nil {
				return due, erased, fmt.Errorf("artifact %s: %w", target, err)
			}
			if done {
				erased++
				s.logger.InfoContext(ctx, "artifact payload erased", "agreement", rec.ID, "artifact", target)
			}
		}
	}
	return due, erased, nil
}

func (s *Sweeper) erase(ctx context.Context, artifactID string) (bool, error) {
	already, err := s.payloads.IsErased(ctx, artifactID)
	if err != nil {
		return false, err
	}
	if already {
		return false, nil
	}
	if err := s.payloads.Erase(ctx, artifactID); err != nil {
		return false, err
	}
	return true, nil
}
