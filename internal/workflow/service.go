package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openloom/loom/go/orchestrator/internal/audit"
	"github.com/openloom/loom/go/orchestrator/internal/idempotency"
	"github.com/openloom/loom/go/orchestrator/internal/llmerrors"
	"github.com/openloom/loom/go/orchestrator/internal/metrics"
	"github.com/openloom/loom/go/orchestrator/internal/retry"
)

// ManagePermission gates workflow registry mutations.
const ManagePermission = "workflows.manage"

// TaskTypeInvocation is the queue task type for async dispatch.
const TaskTypeInvocation = "workflow.invocation"

const defaultQuotaWindow = time.Minute

// PermissionChecker is the entitlement collaborator for management ops.
type PermissionChecker interface {
	Allowed(ctx context.Context, actor, permission string) (bool, error)
}

// InvocationTask is the payload enqueued for async execution.
type InvocationTask struct {
	InvocationID string `json:"invocation_id"`
}

// Service is the workflow control plane: registry CRUD plus governed
// sync and async invocation with idempotent dispatch.
type Service struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow

	store       *Store
	keyer       *idempotency.Keyer
	queue       TaskQueue
	engine      Engine
	retrier     *retry.Executor
	permissions PermissionChecker
	auditLog    *audit.Logger
	logger      *zap.Logger
	now         func() time.Time
}

func NewService(store *Store, queue TaskQueue, engine Engine, permissions PermissionChecker, auditLog *audit.Logger, logger *zap.Logger) *Service {
	return &Service{
		workflows:   make(map[string]*Workflow),
		store:       store,
		keyer:       idempotency.NewKeyer(),
		queue:       queue,
		engine:      engine,
		retrier:     retry.NewExecutor(logger),
		permissions: permissions,
		auditLog:    auditLog,
		logger:      logger,
		now:         time.Now,
	}
}

// Register adds a workflow to the registry.
func (s *Service) Register(ctx context.Context, actor string, wf *Workflow) error {
	if err := s.checkManage(ctx, actor); err != nil {
		return err
	}
	if wf.ID == "" || wf.Name == "" {
		return llmerrors.New(llmerrors.CodeInvalidInput, "workflow requires id and name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[wf.ID]; exists {
		return llmerrors.Newf(llmerrors.CodeInvalidInput, "workflow %s already registered", wf.ID)
	}
	now := s.now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	s.workflows[wf.ID] = wf
	return nil
}

// Get returns a workflow by id.
func (s *Service) Get(workflowID string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, llmerrors.Newf(llmerrors.CodeNotFound, "workflow %s not registered", workflowID)
	}
	return wf, nil
}

// List returns all registered workflows sorted by id.
func (s *Service) List() []*Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Update replaces a registered workflow's definition.
func (s *Service) Update(ctx context.Context, actor string, wf *Workflow) error {
	if err := s.checkManage(ctx, actor); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.workflows[wf.ID]
	if !ok {
		return llmerrors.Newf(llmerrors.CodeNotFound, "workflow %s not registered", wf.ID)
	}
	wf.CreatedAt = existing.CreatedAt
	wf.UpdatedAt = s.now().UTC()
	s.workflows[wf.ID] = wf
	return nil
}

// Disable marks a workflow non-invokable without removing it.
func (s *Service) Disable(ctx context.Context, actor, workflowID string) error {
	if err := s.checkManage(ctx, actor); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return llmerrors.Newf(llmerrors.CodeNotFound, "workflow %s not registered", workflowID)
	}
	wf.Enabled = false
	wf.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Service) checkManage(ctx context.Context, actor string) error {
	allowed, err := s.permissions.Allowed(ctx, actor, ManagePermission)
	if err != nil {
		return llmerrors.Wrap(llmerrors.CodeWorkflowError, "permission check failed", err)
	}
	if !allowed {
		return llmerrors.Newf(llmerrors.CodePermissionDenied, "actor lacks %q", ManagePermission)
	}
	return nil
}

// Invoke dispatches a workflow synchronously and blocks until the engine
// returns or the workflow timeout expires. Duplicate requests inside the
// idempotency window return the original invocation without re-dispatch.
func (s *Service) Invoke(ctx context.Context, workflowID string, input map[string]interface{}, triggeredBy string) (*Invocation, error) {
	wf, inv, claimed, err := s.prepare(ctx, workflowID, input, triggeredBy)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return inv, nil
	}

	inv.Status = StatusRunning
	if err := s.store.SaveInvocation(ctx, inv); err != nil {
		s.store.ReleaseIdempotencyKey(ctx, inv.IdempotencyKey)
		return nil, err
	}
	s.auditLog.Dispatch("workflow", wf.ID, triggeredBy, inv.ID, input)

	start := s.now()
	s.execute(ctx, wf, inv)
	metrics.WorkflowInvocations.WithLabelValues(wf.ID, "sync", inv.Status).Inc()
	metrics.WorkflowDuration.WithLabelValues(wf.ID).Observe(s.now().Sub(start).Seconds())
	s.auditLog.Outcome("workflow", wf.ID, triggeredBy, inv.ID, inv.Status, s.now().Sub(start).Milliseconds(), input)

	if err := s.store.SaveInvocation(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// InvokeAsync persists a pending invocation, enqueues it for a worker,
// and returns immediately. The returned invocation id is stable across
// duplicate requests inside the idempotency window.
func (s *Service) InvokeAsync(ctx context.Context, workflowID string, input map[string]interface{}, triggeredBy string) (string, error) {
	wf, inv, claimed, err := s.prepare(ctx, workflowID, input, triggeredBy)
	if err != nil {
		return "", err
	}
	if !claimed {
		return inv.ID, nil
	}

	if err := s.store.SaveInvocation(ctx, inv); err != nil {
		s.store.ReleaseIdempotencyKey(ctx, inv.IdempotencyKey)
		return "", err
	}
	if err := s.queue.Enqueue(ctx, TaskTypeInvocation, InvocationTask{InvocationID: inv.ID}); err != nil {
		s.store.ReleaseIdempotencyKey(ctx, inv.IdempotencyKey)
		return "", llmerrors.Wrap(llmerrors.CodeWorkflowError, "enqueue invocation", err)
	}
	s.auditLog.Dispatch("workflow", wf.ID, triggeredBy, inv.ID, input)
	metrics.WorkflowInvocations.WithLabelValues(wf.ID, "async", StatusPending).Inc()
	return inv.ID, nil
}

// prepare resolves the workflow, claims the idempotency key, and
// enforces quota. claimed is false when a duplicate in-window request
// resolved to an existing invocation.
func (s *Service) prepare(ctx context.Context, workflowID string, input map[string]interface{}, triggeredBy string) (*Workflow, *Invocation, bool, error) {
	wf, err := s.Get(workflowID)
	if err != nil {
		return nil, nil, false, err
	}
	if !wf.Enabled {
		return nil, nil, false, llmerrors.Newf(llmerrors.CodeNotFound, "workflow %s is disabled", workflowID)
	}

	now := s.now()
	key := s.keyer.Key(workflowID, input, triggeredBy, now)
	newID := uuid.New().String()
	winnerID, claimed, err := s.store.ClaimIdempotencyKey(ctx, key, newID)
	if err != nil {
		return nil, nil, false, err
	}
	if !claimed {
		metrics.WorkflowDedupHits.Inc()
		s.logger.Info("duplicate invocation deduplicated",
			zap.String("workflow_id", workflowID),
			zap.String("invocation_id", winnerID),
		)
		existing, err := s.store.GetInvocation(ctx, winnerID)
		if err != nil {
			return nil, nil, false, err
		}
		return wf, existing, false, nil
	}

	if err := s.checkQuota(ctx, wf, now); err != nil {
		// A rejected dispatch must not keep the claim: a retry inside
		// the window would resolve to a record that was never saved.
		s.store.ReleaseIdempotencyKey(ctx, key)
		return nil, nil, false, err
	}

	inv := &Invocation{
		ID:             newID,
		WorkflowID:     wf.ID,
		IdempotencyKey: key,
		TriggeredBy:    triggeredBy,
		Status:         StatusPending,
		Input:          input,
		CreatedAt:      now.UTC(),
	}
	return wf, inv, true, nil
}

func (s *Service) checkQuota(ctx context.Context, wf *Workflow, now time.Time) error {
	if wf.Quota.MaxInvocationsPerWindow > 0 {
		window := wf.Quota.Window
		if window <= 0 {
			window = defaultQuotaWindow
		}
		count, err := s.store.IncrWindowCount(ctx, wf.ID, window, now)
		if err != nil {
			return err
		}
		if count > int64(wf.Quota.MaxInvocationsPerWindow) {
			metrics.WorkflowQuotaRejections.WithLabelValues(wf.ID, "window").Inc()
			return llmerrors.Newf(llmerrors.CodeQuotaExceeded,
				"workflow %s exceeded %d invocations per %s", wf.ID, wf.Quota.MaxInvocationsPerWindow, window)
		}
	}
	if wf.Quota.MaxConcurrent > 0 {
		n, err := s.store.IncrConcurrent(ctx, wf.ID)
		if err != nil {
			return err
		}
		if n > int64(wf.Quota.MaxConcurrent) {
			s.store.DecrConcurrent(ctx, wf.ID)
			metrics.WorkflowQuotaRejections.WithLabelValues(wf.ID, "concurrent").Inc()
			return llmerrors.Newf(llmerrors.CodeQuotaExceeded,
				"workflow %s is at its concurrency limit of %d", wf.ID, wf.Quota.MaxConcurrent)
		}
	}
	return nil
}

// execute runs the engine under the workflow's retry policy and timeout,
// then writes the terminal status onto inv.
func (s *Service) execute(ctx context.Context, wf *Workflow, inv *Invocation) {
	if wf.Quota.MaxConcurrent > 0 {
		defer s.store.DecrConcurrent(ctx, wf.ID)
	}

	if s.engine == nil {
		completed := s.now().UTC()
		inv.CompletedAt = &completed
		inv.Status = StatusFailure
		inv.ErrorCode = string(llmerrors.CodeWorkflowError)
		inv.ErrorMessage = "no workflow engine configured"
		s.logger.Error("invocation dispatched without an engine",
			zap.String("workflow_id", wf.ID),
			zap.String("invocation_id", inv.ID),
		)
		return
	}

	policy := retry.DefaultPolicy()
	if wf.Retry != nil {
		policy = *wf.Retry
	}

	runCtx := ctx
	if wf.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, wf.Timeout)
		defer cancel()
	}

	var output map[string]interface{}
	err := s.retrier.Do(runCtx, policy, func(ctx context.Context) error {
		out, externalID, err := s.engine.Run(ctx, wf, inv.Input)
		if externalID != "" {
			inv.ExternalID = externalID
		}
		if err != nil {
			return err
		}
		output = out
		return nil
	})

	completed := s.now().UTC()
	inv.CompletedAt = &completed
	if err != nil {
		code := llmerrors.CodeOf(err)
		if code == "" {
			code = llmerrors.CodeWorkflowError
		}
		inv.Status = StatusFailure
		if code == llmerrors.CodeTimeout {
			inv.Status = StatusTimeout
		}
		inv.ErrorCode = string(code)
		inv.ErrorMessage = llmerrors.UserFacingMessage(err)
		s.logger.Warn("workflow invocation failed",
			zap.String("workflow_id", wf.ID),
			zap.String("invocation_id", inv.ID),
			zap.String("code", string(code)),
			zap.Error(err),
		)
		return
	}
	inv.Status = StatusSuccess
	inv.Output = output
}

// GetInvocationStatus returns the current record for an invocation.
func (s *Service) GetInvocationStatus(ctx context.Context, invocationID string) (*Invocation, error) {
	return s.store.GetInvocation(ctx, invocationID)
}

// HandleWebhook applies a completion callback from the external engine.
// Duplicate deliveries are no-ops: a terminal record is never rewritten.
func (s *Service) HandleWebhook(ctx context.Context, payload WebhookPayload) error {
	id := payload.InvocationID
	if id == "" && payload.ExternalID != "" {
		resolved, err := s.store.ResolveExternalID(ctx, payload.ExternalID)
		if err != nil {
			return err
		}
		id = resolved
	}
	if id == "" {
		return llmerrors.New(llmerrors.CodeInvalidInput, "webhook requires invocation_id or external_id")
	}

	inv, err := s.store.GetInvocation(ctx, id)
	if err != nil {
		return err
	}
	if inv.Terminal() {
		s.logger.Debug("duplicate webhook ignored", zap.String("invocation_id", id))
		return nil
	}

	switch payload.Status {
	case StatusSuccess, StatusFailure, StatusTimeout:
		inv.Status = payload.Status
	default:
		return llmerrors.Newf(llmerrors.CodeInvalidInput, "unknown webhook status %q", payload.Status)
	}
	inv.Output = payload.Output
	if payload.Error != "" {
		inv.ErrorCode = string(llmerrors.CodeWorkflowError)
		inv.ErrorMessage = payload.Error
	}
	completed := s.now().UTC()
	inv.CompletedAt = &completed

	if err := s.store.SaveInvocation(ctx, inv); err != nil {
		return err
	}
	metrics.WebhookCompletions.WithLabelValues(inv.Status).Inc()
	return nil
}

// ProcessTask executes one queued async invocation. Called by the worker
// loop after dequeuing an InvocationTask.
func (s *Service) ProcessTask(ctx context.Context, task InvocationTask) error {
	inv, err := s.store.GetInvocation(ctx, task.InvocationID)
	if err != nil {
		return err
	}
	if inv.Terminal() {
		return nil
	}
	wf, err := s.Get(inv.WorkflowID)
	if err != nil {
		return err
	}

	inv.Status = StatusRunning
	if err := s.store.SaveInvocation(ctx, inv); err != nil {
		return err
	}

	start := s.now()
	s.execute(ctx, wf, inv)
	metrics.WorkflowDuration.WithLabelValues(wf.ID).Observe(s.now().Sub(start).Seconds())
	s.auditLog.Outcome("workflow", wf.ID, inv.TriggeredBy, inv.ID, inv.Status, s.now().Sub(start).Milliseconds(), inv.Input)
	return s.store.SaveInvocation(ctx, inv)
}

// InvokeForTool routes a tool call of kind workflow through Invoke. It
// satisfies the tool executor's invoker contract.
func (s *Service) InvokeForTool(ctx context.Context, workflowID string, input map[string]interface{}, triggeredBy string, timeout time.Duration) (map[string]interface{}, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	inv, err := s.Invoke(ctx, workflowID, input, triggeredBy)
	if err != nil {
		return nil, err
	}
	if inv.Status != StatusSuccess {
		code := llmerrors.ErrorCode(inv.ErrorCode)
		if code == "" {
			code = llmerrors.CodeWorkflowError
		}
		return nil, llmerrors.Newf(code, "workflow %s finished with status %s", workflowID, inv.Status)
	}
	return inv.Output, nil
}
