// Package budget tracks per-actor cost budgets and the token-usage
// ledger. Checks happen before any external execution; recording is
// idempotent so retried requests never double-count.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openloom/loom/go/orchestrator/internal/llmerrors"
	"github.com/openloom/loom/go/orchestrator/internal/metrics"
)

// ActorBudget is the budget state for one actor (user or tenant).
type ActorBudget struct {
	ActorID          string  `json:"actor_id" db:"actor_id"`
	DailyBudgetUSD   float64 `json:"daily_budget_usd" db:"daily_budget_usd"`
	DailyUsedUSD     float64 `json:"daily_used_usd" db:"daily_used_usd"`
	MonthlyBudgetUSD float64 `json:"monthly_budget_usd" db:"monthly_budget_usd"`
	MonthlyUsedUSD   float64 `json:"monthly_used_usd" db:"monthly_used_usd"`
}

// RemainingUSD is the tighter of the daily and monthly headroom.
func (b ActorBudget) RemainingUSD() float64 {
	daily := b.DailyBudgetUSD - b.DailyUsedUSD
	monthly := b.MonthlyBudgetUSD - b.MonthlyUsedUSD
	if daily < monthly {
		return daily
	}
	return monthly
}

// CheckResult reports whether an operation may proceed.
type CheckResult struct {
	CanProceed   bool    `json:"can_proceed"`
	RemainingUSD float64 `json:"remaining_usd"`
	Reason       string  `json:"reason,omitempty"`
}

// Usage is one ledger entry.
type Usage struct {
	ID             string    `json:"id"`
	ActorID        string    `json:"actor_id"`
	RequestID      string    `json:"request_id"`
	Model          string    `json:"model"`
	Provider       string    `json:"provider"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	CostUSD        float64   `json:"cost_usd"`
	Timestamp      time.Time `json:"timestamp"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// Manager enforces cost budgets. Budgets live in Postgres with an
// in-memory cache for active actors; reservations are serialized under
// the manager mutex so two concurrent checks cannot both claim the same
// remaining headroom.
type Manager struct {
	db     *sqlx.DB
	logger *zap.Logger

	mu           sync.Mutex
	actorBudgets map[string]*ActorBudget
	reserved     map[string]float64 // in-flight reservations per actor

	defaultDailyUSD   float64
	defaultMonthlyUSD float64

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	rateLimit rate.Limit
	rateBurst int

	idemMu    sync.Mutex
	processed map[string]time.Time
	idemTTL   time.Duration
}

// Options configure manager defaults.
type Options struct {
	DefaultDailyUSD   float64
	DefaultMonthlyUSD float64
	RequestsPerSecond float64
	Burst             int
}

// NewManager creates a budget manager. db may be nil in tests that only
// exercise the in-memory path.
func NewManager(db *sqlx.DB, logger *zap.Logger, opts Options) *Manager {
	if opts.DefaultDailyUSD <= 0 {
		opts.DefaultDailyUSD = 5.0
	}
	if opts.DefaultMonthlyUSD <= 0 {
		opts.DefaultMonthlyUSD = 50.0
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	return &Manager{
		db:                db,
		logger:            logger,
		actorBudgets:      make(map[string]*ActorBudget),
		reserved:          make(map[string]float64),
		defaultDailyUSD:   opts.DefaultDailyUSD,
		defaultMonthlyUSD: opts.DefaultMonthlyUSD,
		limiters:          make(map[string]*rate.Limiter),
		rateLimit:         rate.Limit(opts.RequestsPerSecond),
		rateBurst:         opts.Burst,
		processed:         make(map[string]time.Time),
		idemTTL:           time.Hour,
	}
}

// CheckCost verifies the actor can afford estimateUSD. The check happens
// before execution, never after.
func (m *Manager) CheckCost(ctx context.Context, actorID string, estimateUSD float64) (*CheckResult, error) {
	if !m.limiterFor(actorID).Allow() {
		metrics.BudgetDenials.WithLabelValues("rate").Inc()
		return &CheckResult{CanProceed: false, Reason: "rate limited"},
			llmerrors.Newf(llmerrors.CodeRateLimited, "actor %s exceeded request rate", actorID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.budgetLocked(ctx, actorID)
	if err != nil {
		return nil, err
	}
	remaining := b.RemainingUSD() - m.reserved[actorID]
	if estimateUSD > remaining {
		metrics.BudgetDenials.WithLabelValues("cost").Inc()
		return &CheckResult{CanProceed: false, RemainingUSD: remaining, Reason: "insufficient budget"}, nil
	}
	return &CheckResult{CanProceed: true, RemainingUSD: remaining}, nil
}

// Reserve atomically checks and holds estimateUSD against the actor's
// budget. Release or RecordUsage settles the hold.
func (m *Manager) Reserve(ctx context.Context, actorID string, estimateUSD float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.budgetLocked(ctx, actorID)
	if err != nil {
		return err
	}
	remaining := b.RemainingUSD() - m.reserved[actorID]
	if estimateUSD > remaining {
		metrics.BudgetDenials.WithLabelValues("cost").Inc()
		return llmerrors.Newf(llmerrors.CodeBudgetExceeded,
			"estimate $%.4f exceeds remaining budget $%.4f", estimateUSD, remaining)
	}
	m.reserved[actorID] += estimateUSD
	return nil
}

// Commit settles a reserved tool cost into the actor's spend. The
// ledger entry carries the tool name as the model column so tool and
// token spend stay distinguishable.
func (m *Manager) Commit(ctx context.Context, actorID, requestID, tool string, costUSD float64) error {
	if costUSD <= 0 {
		return nil
	}
	return m.RecordUsage(ctx, &Usage{
		ActorID:   actorID,
		RequestID: requestID,
		Model:     tool,
		Provider:  "tool",
		CostUSD:   costUSD,
	})
}

// Release returns an unused reservation.
func (m *Manager) Release(actorID string, estimateUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved[actorID] -= estimateUSD
	if m.reserved[actorID] < 0 {
		m.reserved[actorID] = 0
	}
}

// RecordUsage settles actual cost into the ledger and budget counters.
// Entries carrying an idempotency key are applied at most once.
func (m *Manager) RecordUsage(ctx context.Context, u *Usage) error {
	if u.IdempotencyKey != "" && !m.markProcessed(u.IdempotencyKey) {
		m.logger.Debug("skipping duplicate usage record",
			zap.String("idempotency_key", u.IdempotencyKey))
		return nil
	}
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}

	m.mu.Lock()
	if b, ok := m.actorBudgets[u.ActorID]; ok {
		b.DailyUsedUSD += u.CostUSD
		b.MonthlyUsedUSD += u.CostUSD
	}
	m.reserved[u.ActorID] -= u.CostUSD
	if m.reserved[u.ActorID] < 0 {
		m.reserved[u.ActorID] = 0
	}
	m.mu.Unlock()

	if m.db == nil {
		return nil
	}
	_, err := m.db.ExecContext(ctx, `INSERT INTO token_usage (
		id, actor_id, request_id, provider, model,
		input_tokens, output_tokens, total_tokens, cost_usd, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.ActorID, u.RequestID, u.Provider, u.Model,
		u.InputTokens, u.OutputTokens, u.InputTokens+u.OutputTokens, u.CostUSD, u.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert token usage: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `UPDATE actor_budgets
		SET daily_used_usd = daily_used_usd + $1,
		    monthly_used_usd = monthly_used_usd + $1
		WHERE actor_id = $2`,
		u.CostUSD, u.ActorID,
	)
	if err != nil {
		return fmt.Errorf("update actor budget: %w", err)
	}
	return nil
}

// budgetLocked loads the actor's budget, creating defaults on first sight.
// Caller holds m.mu.
func (m *Manager) budgetLocked(ctx context.Context, actorID string) (*ActorBudget, error) {
	if b, ok := m.actorBudgets[actorID]; ok {
		return b, nil
	}
	b := &ActorBudget{
		ActorID:          actorID,
		DailyBudgetUSD:   m.defaultDailyUSD,
		MonthlyBudgetUSD: m.defaultMonthlyUSD,
	}
	if m.db != nil {
		var loaded ActorBudget
		err := m.db.GetContext(ctx, &loaded,
			`SELECT actor_id, daily_budget_usd, daily_used_usd, monthly_budget_usd, monthly_used_usd
			 FROM actor_budgets WHERE actor_id = $1`, actorID)
		if err == nil {
			b = &loaded
		}
	}
	m.actorBudgets[actorID] = b
	return b, nil
}

// SetBudget overrides an actor's limits (admin path).
func (m *Manager) SetBudget(actorID string, dailyUSD, monthlyUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.actorBudgets[actorID]
	if !ok {
		b = &ActorBudget{ActorID: actorID}
		m.actorBudgets[actorID] = b
	}
	b.DailyBudgetUSD = dailyUSD
	b.MonthlyBudgetUSD = monthlyUSD
}

func (m *Manager) limiterFor(actorID string) *rate.Limiter {
	m.limiterMu.Lock()
	defer m.limiterMu.Unlock()
	l, ok := m.limiters[actorID]
	if !ok {
		l = rate.NewLimiter(m.rateLimit, m.rateBurst)
		m.limiters[actorID] = l
	}
	return l
}

// markProcessed returns false when the key was already applied within the
// TTL window.
func (m *Manager) markProcessed(key string) bool {
	m.idemMu.Lock()
	defer m.idemMu.Unlock()
	now := time.Now()
	if at, ok := m.processed[key]; ok && now.Sub(at) < m.idemTTL {
		return false
	}
	// Opportunistic cleanup of expired entries.
	for k, at := range m.processed {
		if now.Sub(at) >= m.idemTTL {
			delete(m.processed, k)
		}
	}
	m.processed[key] = now
	return true
}
