package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openloom/loom/go/orchestrator/internal/audit"
	"github.com/openloom/loom/go/orchestrator/internal/llmerrors"
)

type fakeEngine struct {
	mu     sync.Mutex
	runs   int
	output map[string]interface{}
	err    error
}

func (f *fakeEngine) Run(_ context.Context, _ *Workflow, _ map[string]interface{}) (map[string]interface{}, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return f.output, fmt.Sprintf("ext-%d", f.runs), f.err
}

func (f *fakeEngine) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

type allowAll struct{}

func (allowAll) Allowed(context.Context, string, string) (bool, error) { return true, nil }

func newTestService(t *testing.T, engine Engine) (*Service, *RedisQueue, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := zap.NewNop()
	queue := NewRedisQueue(rdb, "")
	svc := NewService(NewStore(rdb), queue, engine, allowAll{}, audit.NewLogger(logger), logger)
	return svc, queue, rdb
}

func registerTestWorkflow(t *testing.T, svc *Service, wf *Workflow) {
	t.Helper()
	if err := svc.Register(context.Background(), "admin", wf); err != nil {
		t.Fatalf("register workflow: %v", err)
	}
}

func sendEmailWorkflow() *Workflow {
	return &Workflow{
		ID:      "send_email",
		Name:    "SendEmail",
		Enabled: true,
		Timeout: 5 * time.Second,
	}
}

func TestInvokeAsyncDeduplicatesWithinWindow(t *testing.T) {
	engine := &fakeEngine{output: map[string]interface{}{"sent": true}}
	svc, _, rdb := newTestService(t, engine)
	registerTestWorkflow(t, svc, sendEmailWorkflow())

	ctx := context.Background()
	input := map[string]interface{}{"to": "a@example.com", "subject": "hi"}

	id1, err := svc.InvokeAsync(ctx, "send_email", input, TriggerUser)
	if err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	id2, err := svc.InvokeAsync(ctx, "send_email", input, TriggerUser)
	if err != nil {
		t.Fatalf("second invoke: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("duplicate request got a new invocation: %s vs %s", id1, id2)
	}

	queued, err := rdb.LLen(ctx, defaultQueueKey).Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if queued != 1 {
		t.Fatalf("queued tasks = %d, want 1", queued)
	}
}

func TestInvokeAsyncConcurrentRaceSingleDispatch(t *testing.T) {
	engine := &fakeEngine{}
	svc, _, rdb := newTestService(t, engine)
	registerTestWorkflow(t, svc, sendEmailWorkflow())

	ctx := context.Background()
	input := map[string]interface{}{"to": "b@example.com"}

	var wg sync.WaitGroup
	ids := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = svc.InvokeAsync(ctx, "send_email", input, TriggerUser)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
	}
	if ids[0] != ids[1] {
		t.Fatalf("racing invokes diverged: %s vs %s", ids[0], ids[1])
	}
	queued, _ := rdb.LLen(ctx, defaultQueueKey).Result()
	if queued != 1 {
		t.Fatalf("queued tasks = %d, want exactly 1", queued)
	}
}

func TestInvokeSyncSuccess(t *testing.T) {
	engine := &fakeEngine{output: map[string]interface{}{"sent": true}}
	svc, _, _ := newTestService(t, engine)
	registerTestWorkflow(t, svc, sendEmailWorkflow())

	inv, err := svc.Invoke(context.Background(), "send_email", map[string]interface{}{"to": "c@example.com"}, TriggerAI)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if inv.Status != StatusSuccess {
		t.Fatalf("status = %q, want success", inv.Status)
	}
	if inv.Output["sent"] != true {
		t.Fatalf("output = %+v", inv.Output)
	}
	if inv.ExternalID == "" {
		t.Fatal("external id not recorded")
	}
	if engine.runCount() != 1 {
		t.Fatalf("engine ran %d times, want 1", engine.runCount())
	}
}

func TestInvokeSyncDuplicateReturnsExistingWithoutRedispatch(t *testing.T) {
	engine := &fakeEngine{output: map[string]interface{}{"sent": true}}
	svc, _, _ := newTestService(t, engine)
	registerTestWorkflow(t, svc, sendEmailWorkflow())

	ctx := context.Background()
	input := map[string]interface{}{"to": "d@example.com"}

	first, err := svc.Invoke(ctx, "send_email", input, TriggerUser)
	if err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	second, err := svc.Invoke(ctx, "send_email", input, TriggerUser)
	if err != nil {
		t.Fatalf("second invoke: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("ids diverged: %s vs %s", first.ID, second.ID)
	}
	if engine.runCount() != 1 {
		t.Fatalf("side effect ran %d times, want exactly 1", engine.runCount())
	}
}

func TestInvokeDisabledWorkflow(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeEngine{})
	wf := sendEmailWorkflow()
	wf.Enabled = false
	registerTestWorkflow(t, svc, wf)

	_, err := svc.Invoke(context.Background(), "send_email", nil, TriggerUser)
	if llmerrors.CodeOf(err) != llmerrors.CodeNotFound {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestInvokeUnknownWorkflow(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeEngine{})
	_, err := svc.Invoke(context.Background(), "missing", nil, TriggerUser)
	if llmerrors.CodeOf(err) != llmerrors.CodeNotFound {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestQuotaWindowRejection(t *testing.T) {
	engine := &fakeEngine{output: map[string]interface{}{}}
	svc, _, _ := newTestService(t, engine)
	wf := sendEmailWorkflow()
	wf.Quota = QuotaPolicy{MaxInvocationsPerWindow: 1, Window: time.Minute}
	registerTestWorkflow(t, svc, wf)

	ctx := context.Background()
	if _, err := svc.Invoke(ctx, "send_email", map[string]interface{}{"n": float64(1)}, TriggerUser); err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	_, err := svc.Invoke(ctx, "send_email", map[string]interface{}{"n": float64(2)}, TriggerUser)
	if llmerrors.CodeOf(err) != llmerrors.CodeQuotaExceeded {
		t.Fatalf("err = %v, want QUOTA_EXCEEDED", err)
	}
	if engine.runCount() != 1 {
		t.Fatalf("engine ran %d times despite quota", engine.runCount())
	}
}

func TestQuotaRejectionReleasesIdempotencyClaim(t *testing.T) {
	engine := &fakeEngine{output: map[string]interface{}{}}
	svc, _, _ := newTestService(t, engine)
	wf := sendEmailWorkflow()
	wf.Quota = QuotaPolicy{MaxInvocationsPerWindow: 1, Window: time.Minute}
	registerTestWorkflow(t, svc, wf)

	base := time.Unix(1700000100, 0) // aligned to a dedup window start
	svc.now = func() time.Time { return base }

	ctx := context.Background()
	if _, err := svc.Invoke(ctx, "send_email", map[string]interface{}{"n": float64(1)}, TriggerUser); err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	input := map[string]interface{}{"n": float64(2)}
	if _, err := svc.Invoke(ctx, "send_email", input, TriggerUser); llmerrors.CodeOf(err) != llmerrors.CodeQuotaExceeded {
		t.Fatalf("err = %v, want QUOTA_EXCEEDED", err)
	}

	// An in-window retry must see the same quota rejection, never a
	// dangling record left by the rejected attempt.
	if _, err := svc.Invoke(ctx, "send_email", input, TriggerUser); llmerrors.CodeOf(err) != llmerrors.CodeQuotaExceeded {
		t.Fatalf("retry err = %v, want QUOTA_EXCEEDED", err)
	}

	// The quota window rolls over while the dedup window is still open;
	// the retry must now dispatch.
	svc.now = func() time.Time { return base.Add(90 * time.Second) }
	inv, err := svc.Invoke(ctx, "send_email", input, TriggerUser)
	if err != nil {
		t.Fatalf("retry after window: %v", err)
	}
	if inv.Status != StatusSuccess {
		t.Fatalf("status = %q, want success", inv.Status)
	}
	if engine.runCount() != 2 {
		t.Fatalf("engine runs = %d, want 2", engine.runCount())
	}
}

func TestInvokeWithoutEngineFailsCleanly(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	registerTestWorkflow(t, svc, sendEmailWorkflow())

	inv, err := svc.Invoke(context.Background(), "send_email", map[string]interface{}{"to": "x@example.com"}, TriggerUser)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if inv.Status != StatusFailure {
		t.Fatalf("status = %q, want failure", inv.Status)
	}
	if inv.ErrorCode != string(llmerrors.CodeWorkflowError) {
		t.Fatalf("error code = %q, want WORKFLOW_ERROR", inv.ErrorCode)
	}
}

func TestEngineFailureRecordsFailure(t *testing.T) {
	engine := &fakeEngine{err: llmerrors.New(llmerrors.CodeWorkflowError, "engine down")}
	svc, _, _ := newTestService(t, engine)
	registerTestWorkflow(t, svc, sendEmailWorkflow())

	inv, err := svc.Invoke(context.Background(), "send_email", map[string]interface{}{"to": "e@example.com"}, TriggerUser)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if inv.Status != StatusFailure {
		t.Fatalf("status = %q, want failure", inv.Status)
	}
	if inv.ErrorCode != string(llmerrors.CodeWorkflowError) {
		t.Fatalf("error code = %q", inv.ErrorCode)
	}
	// WORKFLOW_ERROR is not in the default retryable set.
	if engine.runCount() != 1 {
		t.Fatalf("engine ran %d times, want 1", engine.runCount())
	}
}

func TestHandleWebhookIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeEngine{})
	registerTestWorkflow(t, svc, sendEmailWorkflow())

	ctx := context.Background()
	id, err := svc.InvokeAsync(ctx, "send_email", map[string]interface{}{"to": "f@example.com"}, TriggerUser)
	if err != nil {
		t.Fatalf("invoke async: %v", err)
	}

	payload := WebhookPayload{
		InvocationID: id,
		Status:       StatusSuccess,
		Output:       map[string]interface{}{"message_id": "m-1"},
	}
	if err := svc.HandleWebhook(ctx, payload); err != nil {
		t.Fatalf("first webhook: %v", err)
	}

	// Duplicate delivery with conflicting content must not rewrite the record.
	dup := payload
	dup.Status = StatusFailure
	dup.Output = nil
	if err := svc.HandleWebhook(ctx, dup); err != nil {
		t.Fatalf("duplicate webhook: %v", err)
	}

	inv, err := svc.GetInvocationStatus(ctx, id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if inv.Status != StatusSuccess {
		t.Fatalf("status = %q, duplicate webhook was applied", inv.Status)
	}
	if inv.Output["message_id"] != "m-1" {
		t.Fatalf("output = %+v", inv.Output)
	}
}

func TestHandleWebhookByExternalID(t *testing.T) {
	engine := &fakeEngine{err: llmerrors.New(llmerrors.CodeWorkflowError, "pending externally")}
	svc, _, _ := newTestService(t, engine)
	registerTestWorkflow(t, svc, sendEmailWorkflow())

	ctx := context.Background()
	inv, err := svc.Invoke(ctx, "send_email", map[string]interface{}{"to": "g@example.com"}, TriggerUser)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if inv.ExternalID == "" {
		t.Fatal("no external id recorded")
	}

	// Terminal records ignore further webhooks, also when addressed by
	// external id.
	err = svc.HandleWebhook(ctx, WebhookPayload{ExternalID: inv.ExternalID, Status: StatusSuccess})
	if err != nil {
		t.Fatalf("webhook by external id: %v", err)
	}
	got, _ := svc.GetInvocationStatus(ctx, inv.ID)
	if got.Status != StatusFailure {
		t.Fatalf("status = %q, want failure preserved", got.Status)
	}
}

func TestProcessTaskRunsPendingInvocation(t *testing.T) {
	engine := &fakeEngine{output: map[string]interface{}{"sent": true}}
	svc, _, _ := newTestService(t, engine)
	registerTestWorkflow(t, svc, sendEmailWorkflow())

	ctx := context.Background()
	id, err := svc.InvokeAsync(ctx, "send_email", map[string]interface{}{"to": "h@example.com"}, TriggerSystem)
	if err != nil {
		t.Fatalf("invoke async: %v", err)
	}
	if err := svc.ProcessTask(ctx, InvocationTask{InvocationID: id}); err != nil {
		t.Fatalf("process task: %v", err)
	}
	inv, err := svc.GetInvocationStatus(ctx, id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if inv.Status != StatusSuccess {
		t.Fatalf("status = %q, want success", inv.Status)
	}
	// A replayed task for a terminal invocation is a no-op.
	if err := svc.ProcessTask(ctx, InvocationTask{InvocationID: id}); err != nil {
		t.Fatalf("replayed task: %v", err)
	}
	if engine.runCount() != 1 {
		t.Fatalf("engine ran %d times, want 1", engine.runCount())
	}
}

func TestInvokeForToolMapsFailure(t *testing.T) {
	engine := &fakeEngine{err: llmerrors.New(llmerrors.CodeWorkflowError, "boom")}
	svc, _, _ := newTestService(t, engine)
	registerTestWorkflow(t, svc, sendEmailWorkflow())

	_, err := svc.InvokeForTool(context.Background(), "send_email", map[string]interface{}{"to": "i@example.com"}, TriggerAI, time.Second)
	if llmerrors.CodeOf(err) != llmerrors.CodeWorkflowError {
		t.Fatalf("err = %v, want WORKFLOW_ERROR", err)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeEngine{})
	ctx := context.Background()

	wf := sendEmailWorkflow()
	registerTestWorkflow(t, svc, wf)

	if err := svc.Register(ctx, "admin", sendEmailWorkflow()); llmerrors.CodeOf(err) != llmerrors.CodeInvalidInput {
		t.Fatalf("duplicate register err = %v, want INVALID_INPUT", err)
	}

	updated := sendEmailWorkflow()
	updated.Description = "sends transactional email"
	if err := svc.Update(ctx, "admin", updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := svc.Get("send_email")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Description != "sends transactional email" {
		t.Fatalf("description = %q", got.Description)
	}

	if err := svc.Disable(ctx, "admin", "send_email"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := svc.Invoke(ctx, "send_email", nil, TriggerUser); llmerrors.CodeOf(err) != llmerrors.CodeNotFound {
		t.Fatalf("invoke disabled err = %v, want NOT_FOUND", err)
	}

	if got := len(svc.List()); got != 1 {
		t.Fatalf("list len = %d, want 1", got)
	}
}
