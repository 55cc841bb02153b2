package budget

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/openloom/loom/go/orchestrator/internal/llmerrors"
)

func newTestManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	sdb := sqlx.NewDb(db, "postgres")
	return NewManager(sdb, zap.NewNop(), Options{RequestsPerSecond: 1000, Burst: 1000}), mock
}

func TestCheckCost_DefaultsAllowSmallEstimate(t *testing.T) {
	m := NewManager(nil, zap.NewNop(), Options{RequestsPerSecond: 1000, Burst: 1000})
	res, err := m.CheckCost(context.Background(), "u1", 0.01)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.CanProceed {
		t.Fatalf("expected CanProceed=true, got %+v", res)
	}
	if res.RemainingUSD <= 0 {
		t.Fatalf("expected positive remaining budget, got %+v", res)
	}
}

func TestReserve_DeniesOverBudget(t *testing.T) {
	m := NewManager(nil, zap.NewNop(), Options{DefaultDailyUSD: 0.10, DefaultMonthlyUSD: 1, RequestsPerSecond: 1000, Burst: 1000})
	err := m.Reserve(context.Background(), "u1", 0.50)
	if llmerrors.CodeOf(err) != llmerrors.CodeBudgetExceeded {
		t.Fatalf("expected BUDGET_EXCEEDED, got %v", err)
	}
}

func TestReserve_HoldsAgainstConcurrentChecks(t *testing.T) {
	m := NewManager(nil, zap.NewNop(), Options{DefaultDailyUSD: 1, DefaultMonthlyUSD: 10, RequestsPerSecond: 1000, Burst: 1000})
	if err := m.Reserve(context.Background(), "u1", 0.80); err != nil {
		t.Fatalf("first reserve should succeed: %v", err)
	}
	// Second reservation must see the hold, not the raw budget.
	err := m.Reserve(context.Background(), "u1", 0.40)
	if llmerrors.CodeOf(err) != llmerrors.CodeBudgetExceeded {
		t.Fatalf("expected BUDGET_EXCEEDED for second reserve, got %v", err)
	}
	m.Release("u1", 0.80)
	if err := m.Reserve(context.Background(), "u1", 0.40); err != nil {
		t.Fatalf("reserve after release should succeed: %v", err)
	}
}

func TestRecordUsage_InsertsLedgerAndUpdatesBudget(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO token_usage")).
		WithArgs(sqlmock.AnyArg(), "u1", "req-1", "anthropic", "claude-sonnet-4",
			10, 20, 30, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE actor_budgets")).
		WithArgs(sqlmock.AnyArg(), "u1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := m.RecordUsage(context.Background(), &Usage{
		ActorID: "u1", RequestID: "req-1",
		Provider: "anthropic", Model: "claude-sonnet-4",
		InputTokens: 10, OutputTokens: 20, CostUSD: 0.004,
	})
	if err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordUsage_IdempotencyKeyDeduplicates(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO token_usage")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE actor_budgets")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	u := &Usage{ActorID: "u1", CostUSD: 0.01, IdempotencyKey: "retry-abc"}
	if err := m.RecordUsage(context.Background(), u); err != nil {
		t.Fatalf("first record: %v", err)
	}
	// Retried delivery with the same key: no second insert expected.
	dup := &Usage{ActorID: "u1", CostUSD: 0.01, IdempotencyKey: "retry-abc"}
	if err := m.RecordUsage(context.Background(), dup); err != nil {
		t.Fatalf("duplicate record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("duplicate was not deduplicated: %v", err)
	}
}

func TestCheckCost_RateLimited(t *testing.T) {
	m := NewManager(nil, zap.NewNop(), Options{RequestsPerSecond: 0.001, Burst: 1})
	if _, err := m.CheckCost(context.Background(), "u1", 0.01); err != nil {
		t.Fatalf("first request uses the burst: %v", err)
	}
	_, err := m.CheckCost(context.Background(), "u1", 0.01)
	if llmerrors.CodeOf(err) != llmerrors.CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
}
