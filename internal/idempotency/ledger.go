package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTTL bounds how long a completed result is replayed for a
	// reused key before the key is eligible for fresh execution.
	DefaultTTL = 24 * time.Hour

	// DefaultClaimTTL bounds how long an uncompleted claim blocks its
	// key. A claim this old was abandoned mid-flight (a crashed or
	// panicked handler never reached Complete or Forget) and must not
	// wedge the key forever.
	DefaultClaimTTL = 5 * time.Minute

	defaultSweepInterval = 10 * time.Minute
	maxKeyLength         = 190
)

var (
	// ErrInvalidKey indicates an empty or oversized idempotency key.
	ErrInvalidKey = errors.New("idempotency: invalid key")
	// ErrInProgress indicates another request holding the same key has
	// started but not yet completed.
	ErrInProgress = errors.New("idempotency: request with this key is in progress")

	noOpLogger = zap.NewNop()
)

// Record is the replayed outcome of a previously completed request.
type Record struct {
	Key        string
	Result     json.RawMessage
	RecordedAt time.Time
}

type entry struct {
	completed  bool
	result     json.RawMessage
	recordedAt time.Time
}

// LedgerConfig configures a Ledger.
type LedgerConfig struct {
	TTL           time.Duration
	ClaimTTL      time.Duration
	SweepInterval time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Ledger is a single-process idempotency ledger. Claiming a key is an
// atomic check-then-insert under one mutex: of any number of concurrent
// requests carrying the same key, exactly one is admitted to execute.
// Scaling the backend to multiple processes requires replacing this
// with a shared, atomically updated store.
type Ledger struct {
	mu            sync.Mutex
	entries       map[string]*entry
	ttl           time.Duration
	claimTTL      time.Duration
	sweepInterval time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

// NewLedger constructs a Ledger, applying defaults for unset fields.
func NewLedger(cfg LedgerConfig) *Ledger {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	claimTTL := cfg.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Ledger{
		entries:       make(map[string]*entry),
		ttl:           ttl,
		claimTTL:      claimTTL,
		sweepInterval: sweepInterval,
		clock:         clock,
		logger:        logger,
	}
}

// Begin claims the key for execution. It returns a non-nil Record when
// the key was already completed within the TTL, in which case the
// caller must replay the recorded result instead of executing. When the
// claim succeeds the caller must finish with Complete or Forget.
func (l *Ledger) Begin(key string) (*Record, error) {
	normalized, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.sweepLocked(now)

	existing, found := l.entries[normalized]
	if found {
		if !existing.completed {
			return nil, ErrInProgress
		}
		replay := &Record{
			Key:        normalized,
			Result:     existing.result,
			RecordedAt: existing.recordedAt,
		}
		return replay, nil
	}

	l.entries[normalized] = &entry{completed: false, recordedAt: now}
	return nil, nil
}

// Complete records the result for a claimed key. Subsequent Begin calls
// for the same key replay this result until the TTL elapses.
func (l *Ledger) Complete(key string, result json.RawMessage) {
	normalized, err := normalizeKey(key)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[normalized] = &entry{
		completed:  true,
		result:     result,
		recordedAt: l.clock(),
	}
}

// Forget releases a claim without recording a result, so a later retry
// with the same key executes freshly. Used when execution failed.
func (l *Ledger) Forget(key string) {
	normalized, err := normalizeKey(key)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing, found := l.entries[normalized]
	if found && !existing.completed {
		delete(l.entries, normalized)
	}
}

// Len reports the number of ledger entries, expired ones included.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Run sweeps expired entries periodically until the context is done.
func (l *Ledger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Sweep removes completed entries older than the TTL and uncompleted
// claims older than the claim TTL.
func (l *Ledger) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(l.clock())
}

func (l *Ledger) sweepLocked(now time.Time) {
	removed := 0
	abandoned := 0
	for key, candidate := range l.entries {
		age := now.Sub(candidate.recordedAt)
		switch {
		case candidate.completed && age > l.ttl:
			delete(l.entries, key)
			removed++
		case !candidate.completed && age > l.claimTTL:
			delete(l.entries, key)
			abandoned++
		}
	}
	if removed > 0 || abandoned > 0 {
		l.logger.Debug("idempotency ledger swept",
			zap.Int("removed", removed),
			zap.Int("abandoned_claims", abandoned))
	}
}

func normalizeKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(trimmed) > maxKeyLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidKey, maxKeyLength)
	}
	return trimmed, nil
}
