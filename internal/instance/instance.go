// Package instance implements the per-account instance runtime: a FIFO
// pending queue, a level-triggered dispatcher loop, a bounded-concurrency
// executor, and the poll loop that samples task state until it goes
// terminal. The only terminal move the executor makes on its own is failing
// a task whose thunk errors, panics or is rejected; every other terminal
// status comes from inbound gateway events, the watchdog or ExitTask, and
// the poll loop observes it.
package instance

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/dispatchd/internal/otel"
	"github.com/basket/dispatchd/internal/semaphore"
	"github.com/basket/dispatchd/internal/task"
	"github.com/basket/dispatchd/internal/upstream"
)

// Result codes returned by Submit.
const (
	CodeSuccess = "SUCCESS"
	CodeInQueue = "IN_QUEUE"
	CodeFailure = "FAILURE"
)

// Thunk is a deferred call, bound to a specific account at enqueue time,
// that asks the upstream to accept a job.
type Thunk func(ctx context.Context) (upstream.Message, error)

// SubmitResult is returned by Submit and by the facade in internal/dispatch.
type SubmitResult struct {
	Code        string
	Description string
	TaskID      string
	Properties  map[string]any
}

// Store is the task persistence collaborator.
type Store interface {
	Save(ctx context.Context, snap task.Snapshot) error
	Delete(ctx context.Context, id string) error
}

// Notifier is the best-effort change-notification collaborator.
// Implementations must not block the caller meaningfully and must swallow
// their own errors.
type Notifier interface {
	NotifyTaskChange(snap task.Snapshot)
}

// Account is the read-mostly configuration an Instance owns for its lifetime.
type Account struct {
	ID       string
	Enabled  bool
	CoreSize int
	Weight   int
}

// EffectiveCoreSize clamps CoreSize into [1, 12] (I4).
func (a Account) EffectiveCoreSize() int {
	if a.CoreSize < 1 {
		return 1
	}
	if a.CoreSize > 12 {
		return 12
	}
	return a.CoreSize
}

type queueEntry struct {
	t     *task.Info
	thunk Thunk
}

// Instance is the per-account runtime owning Q, R, F, and S.
type Instance struct {
	account atomicAccount

	client   upstream.Client
	store    Store
	notifier Notifier
	logger   *slog.Logger
	metrics  *otel.Metrics

	sem *semaphore.Semaphore

	qMu    sync.Mutex
	q      *list.List // of *queueEntry
	qByID  map[string]*list.Element
	closed bool // set by Drain; no further enqueues accepted

	rMu sync.RWMutex
	r   map[string]*task.Info

	fMu sync.Mutex
	f   map[string]context.CancelFunc

	work chan struct{} // level-triggered: buffered 1, non-blocking send/drain

	once   sync.Once
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates an Instance for account. Start must be called before Submit
// will make progress; queued-but-not-started submissions are still accepted
// and recorded, matching the facade's synchronous contract.
func New(account Account, client upstream.Client, store Store, notifier Notifier, logger *slog.Logger, metrics *otel.Metrics) *Instance {
	if logger == nil {
		logger = slog.Default()
	}
	inst := &Instance{
		client:   client,
		store:    store,
		notifier: notifier,
		logger:   logger.With("account_id", account.ID),
		metrics:  metrics,
		sem:      semaphore.New(account.EffectiveCoreSize()),
		q:        list.New(),
		qByID:    make(map[string]*list.Element),
		r:        make(map[string]*task.Info),
		f:        make(map[string]context.CancelFunc),
		work:     make(chan struct{}, 1),
	}
	inst.account.store(account)
	return inst
}

// --- balancer.Candidate ---

func (i *Instance) AccountID() string { return i.account.load().ID }
func (i *Instance) CoreSize() int     { return i.account.load().EffectiveCoreSize() }
func (i *Instance) Weight() int       { return i.account.load().Weight }

func (i *Instance) RunningCount() int {
	i.rMu.RLock()
	defer i.rMu.RUnlock()
	return len(i.r)
}

func (i *Instance) QueueDepth() int {
	i.qMu.Lock()
	defer i.qMu.Unlock()
	return i.q.Len()
}

// Enabled reports whether the instance is a selection candidate.
func (i *Instance) Enabled() bool { return i.account.load().Enabled }

// SetEnabled flips the selection-candidate flag, e.g. from a config hot-reload.
func (i *Instance) SetEnabled(enabled bool) {
	a := i.account.load()
	a.Enabled = enabled
	i.account.store(a)
}

// Client exposes the upstream client so callers (internal/dispatch) can build
// thunks bound to this instance without reaching into its internals.
func (i *Instance) Client() upstream.Client { return i.client }

// Start launches the dispatcher worker exactly once.
func (i *Instance) Start(ctx context.Context) {
	i.once.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		i.cancel = cancel
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			i.dispatcherLoop(runCtx)
		}()
	})
}

// Drain cancels the dispatcher and waits up to timeout for in-flight
// executors to finish. Still-running tasks beyond the timeout are left
// running; watchdog sweeps are the backstop for those.
func (i *Instance) Drain(timeout time.Duration) {
	i.qMu.Lock()
	i.closed = true
	i.qMu.Unlock()
	if i.cancel != nil {
		i.cancel()
	}
	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		i.logger.Info("instance drained cleanly")
	case <-time.After(timeout):
		i.logger.Warn("instance drain timeout; executors still in flight", "timeout", timeout)
	}
}

func (i *Instance) signalWork() {
	select {
	case i.work <- struct{}{}:
	default:
	}
}

// Submit persists the task, enqueues it, and returns its admission result.
// The order matters: the task is on disk before it is visible to the
// dispatcher, so an executor never picks up a task whose first Save is still
// in flight.
func (i *Instance) Submit(ctx context.Context, t *task.Info, thunk Thunk) SubmitResult {
	accountID := i.AccountID()
	t.SetProperty("discordInstanceId", accountID)

	if err := i.store.Save(ctx, t.Snapshot()); err != nil {
		return SubmitResult{
			Code:        CodeFailure,
			Description: fmt.Sprintf("persist task: %v", err),
			TaskID:      t.ID(),
			Properties:  map[string]any{"discordInstanceId": accountID},
		}
	}

	i.qMu.Lock()
	if i.closed {
		i.qMu.Unlock()
		// Compensate the Save above so admission stays atomic for the caller.
		if err := i.store.Delete(ctx, t.ID()); err != nil {
			i.logger.Error("delete task after rejected enqueue failed", "task_id", t.ID(), "error", err)
		}
		return SubmitResult{
			Code:        CodeFailure,
			Description: "instance is shutting down",
			TaskID:      t.ID(),
			Properties:  map[string]any{"discordInstanceId": accountID},
		}
	}
	depthBefore := i.q.Len()
	elem := i.q.PushBack(&queueEntry{t: t, thunk: thunk})
	i.qByID[t.ID()] = elem
	i.qMu.Unlock()

	// "Submitted" means the task can run right away: nothing queued ahead of
	// it AND a free execution slot. An empty queue with every slot held still
	// queues (position 0).
	immediate := depthBefore == 0 && i.sem.Available() > 0
	if !immediate {
		t.SetProperty("numberOfQueues", depthBefore)
	}
	if i.metrics != nil {
		i.metrics.QueueDepth.Add(ctx, 1)
	}
	i.notifier.NotifyTaskChange(t.Snapshot())
	i.signalWork()

	if immediate {
		return SubmitResult{
			Code:        CodeSuccess,
			Description: "submitted",
			TaskID:      t.ID(),
			Properties:  map[string]any{"discordInstanceId": accountID},
		}
	}
	return SubmitResult{
		Code:        CodeInQueue,
		Description: fmt.Sprintf("queued, %d ahead", depthBefore),
		TaskID:      t.ID(),
		Properties:  map[string]any{"discordInstanceId": accountID, "numberOfQueues": depthBefore},
	}
}

// ExitTask removes task from F and, if still queued, from Q too. A queued
// task is still NOT_START, so it is moved to FAILURE with reason "cancelled";
// a running task is moved to CANCEL. Either move is persisted and notified
// exactly once; a task that went terminal some other way first is left as
// the executor persisted it.
func (i *Instance) ExitTask(ctx context.Context, taskID string) {
	i.fMu.Lock()
	cancel, running := i.f[taskID]
	if running {
		delete(i.f, taskID)
	}
	i.fMu.Unlock()

	i.qMu.Lock()
	elem, queued := i.qByID[taskID]
	var entry *queueEntry
	if queued {
		entry = elem.Value.(*queueEntry)
		i.q.Remove(elem)
		delete(i.qByID, taskID)
	}
	i.qMu.Unlock()

	var t *task.Info
	switch {
	case queued && entry != nil:
		if i.metrics != nil {
			i.metrics.QueueDepth.Add(ctx, -1)
		}
		t = entry.t
	case running:
		i.rMu.RLock()
		t = i.r[taskID]
		i.rMu.RUnlock()
	}
	if running {
		cancel()
	}

	if t != nil {
		var err error
		if queued {
			// NOT_START has no legal move to CANCEL; FAILURE is its only
			// terminal status.
			err = t.Fail("cancelled")
		} else {
			err = t.SetStatus(task.Cancel)
		}
		if err == nil {
			_ = i.store.Save(ctx, t.Snapshot())
			i.notifier.NotifyTaskChange(t.Snapshot())
		}
	}
}

// RunningTasks is a read-only snapshot of R.
func (i *Instance) RunningTasks() []*task.Info {
	i.rMu.RLock()
	defer i.rMu.RUnlock()
	out := make([]*task.Info, 0, len(i.r))
	for _, t := range i.r {
		out = append(out, t)
	}
	return out
}

// QueueTasks is a read-only snapshot of Q.
func (i *Instance) QueueTasks() []*task.Info {
	i.qMu.Lock()
	defer i.qMu.Unlock()
	out := make([]*task.Info, 0, i.q.Len())
	for e := i.q.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*queueEntry).t)
	}
	return out
}

// RunningFutures returns the task ids currently holding an execution handle.
func (i *Instance) RunningFutures() []string {
	i.fMu.Lock()
	defer i.fMu.Unlock()
	out := make([]string, 0, len(i.f))
	for id := range i.f {
		out = append(out, id)
	}
	return out
}

// FindRunning returns the first running task matching pred.
func (i *Instance) FindRunning(pred func(*task.Info) bool) (*task.Info, bool) {
	i.rMu.RLock()
	defer i.rMu.RUnlock()
	for _, t := range i.r {
		if pred(t) {
			return t, true
		}
	}
	return nil, false
}

func (i *Instance) GetRunningByNonce(nonce string) (*task.Info, bool) {
	return i.FindRunning(func(t *task.Info) bool { return t.Nonce() == nonce })
}

func (i *Instance) GetRunningByMessageId(id string) (*task.Info, bool) {
	return i.FindRunning(func(t *task.Info) bool { return t.MessageID() == id })
}

// --- typed wrappers: thin pass-throughs, never touch the queue ---

func (i *Instance) Imagine(prompt, nonce string) (upstream.Message, error) {
	return i.client.Imagine(prompt, nonce)
}

func (i *Instance) Upscale(messageID string, index int, hash string, flags int64, nonce string) (upstream.Message, error) {
	return i.client.Upscale(messageID, index, hash, flags, nonce)
}

func (i *Instance) Variation(messageID string, index int, hash string, flags int64, nonce string) (upstream.Message, error) {
	return i.client.Variation(messageID, index, hash, flags, nonce)
}

func (i *Instance) Reroll(messageID, hash string, flags int64, nonce string) (upstream.Message, error) {
	return i.client.Reroll(messageID, hash, flags, nonce)
}

func (i *Instance) Action(messageID, customID string, flags int64, nonce string) (upstream.Message, error) {
	return i.client.Action(messageID, customID, flags, nonce)
}

func (i *Instance) Describe(finalFileName, nonce string) (upstream.Message, error) {
	return i.client.Describe(finalFileName, nonce)
}

func (i *Instance) Blend(finalFileNames []string, dimensions, nonce string) (upstream.Message, error) {
	return i.client.Blend(finalFileNames, dimensions, nonce)
}

func (i *Instance) Upload(fileName, dataURL string) (upstream.Message, error) {
	return i.client.Upload(fileName, dataURL)
}

func (i *Instance) SendImageMessage(content, finalFileName string) (upstream.Message, error) {
	return i.client.SendImageMessage(content, finalFileName)
}

// dispatcherLoop waits for work, drains the queue while execution slots are
// available, clears the signal, and repeats. The clear
// happens after the drain so a concurrent enqueue that races the clear is
// caught by Submit's own signal, never lost.
func (i *Instance) dispatcherLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-i.work:
		}

		for {
			i.qMu.Lock()
			empty := i.q.Len() == 0
			i.qMu.Unlock()
			if empty {
				break
			}

			acquired := false
			for !acquired {
				if ctx.Err() != nil {
					return
				}
				acquired = i.sem.TryAcquire(100 * time.Millisecond)
			}

			i.qMu.Lock()
			front := i.q.Front()
			if front == nil {
				i.qMu.Unlock()
				i.sem.Release()
				break
			}
			entry := front.Value.(*queueEntry)
			i.q.Remove(front)
			delete(i.qByID, entry.t.ID())
			i.qMu.Unlock()
			if i.metrics != nil {
				i.metrics.QueueDepth.Add(ctx, -1)
			}

			execCtx, cancel := context.WithCancel(ctx)
			i.fMu.Lock()
			i.f[entry.t.ID()] = cancel
			i.fMu.Unlock()

			i.wg.Add(1)
			go func(entry *queueEntry, execCtx context.Context, cancel context.CancelFunc) {
				defer i.wg.Done()
				defer cancel()
				i.execute(execCtx, entry.t, entry.thunk)
			}(entry, execCtx, cancel)
		}

		// Drain the (possibly stale) signal left by a racing Submit. A Submit
		// that appends after this drain signals again, so no wakeup is lost.
		select {
		case <-i.work:
		default:
		}
	}
}

// execute runs one task on the slot the dispatcher acquired for it: invoke
// the thunk, poll until terminal or ctx is cancelled, always release the slot.
func (i *Instance) execute(ctx context.Context, t *task.Info, thunk Thunk) {
	i.rMu.Lock()
	i.r[t.ID()] = t
	i.rMu.Unlock()

	defer func() {
		i.rMu.Lock()
		delete(i.r, t.ID())
		i.rMu.Unlock()
		i.fMu.Lock()
		delete(i.f, t.ID())
		i.fMu.Unlock()
		i.sem.Release()
		if i.metrics != nil {
			i.metrics.RunningTasks.Add(ctx, -1)
			if start, finish := t.StartTime(), t.FinishTime(); start > 0 && finish >= start {
				i.metrics.TaskDuration.Record(ctx, float64(finish-start)/1000)
			}
		}
	}()
	if i.metrics != nil {
		i.metrics.RunningTasks.Add(ctx, 1)
	}

	if reg, ok := i.client.(upstream.Registerer); ok {
		if nonce := t.Nonce(); nonce != "" {
			reg.Register(nonce, &taskUpdaterAdapter{t: t})
			defer reg.Unregister(nonce)
		}
	}

	msg, err := i.callThunk(ctx, thunk)
	if err != nil {
		i.failAndNotify(ctx, t, fmt.Sprintf("[Internal Server Error] %v", err))
		return
	}
	if !msg.Accepted() {
		i.failAndNotify(ctx, t, msg.Description)
		return
	}

	if err := t.SetStatus(task.Submitted); err != nil {
		i.failAndNotify(ctx, t, fmt.Sprintf("[Internal Server Error] %v", err))
		return
	}
	t.SetProgress("0%")
	i.persistAndNotify(ctx, t)

	if !sleepOrDone(ctx, time.Second) {
		return
	}
	i.persistAndNotify(ctx, t)

	for {
		status := t.Status()
		if task.IsTerminal(status) {
			// Reached terminal via an external event (an upstream success
			// frame, or a watchdog timeout) rather than through this loop's
			// own persistAndNotify call below; persist it now so no status
			// change is ever left unpersisted.
			i.persistAndNotify(ctx, t)
			return
		}
		if !sleepOrDone(ctx, time.Second) {
			return
		}
		i.persistAndNotify(ctx, t)
	}
}

// callThunk recovers a panicking thunk into an error so a misbehaving
// upstream call can never take down the executor without releasing its slot.
func (i *Instance) callThunk(ctx context.Context, thunk Thunk) (msg upstream.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("thunk panic: %v", r)
		}
	}()
	return thunk(ctx)
}

func (i *Instance) failAndNotify(ctx context.Context, t *task.Info, reason string) {
	if err := t.Fail(reason); err != nil {
		i.logger.Warn("fail transition rejected", "task_id", t.ID(), "error", err)
	}
	if i.metrics != nil {
		i.metrics.UpstreamErrors.Add(ctx, 1)
	}
	i.persistAndNotify(ctx, t)
}

func (i *Instance) persistAndNotify(ctx context.Context, t *task.Info) {
	snap := t.Snapshot()
	if err := i.store.Save(ctx, snap); err != nil {
		i.logger.Error("persist task failed", "task_id", t.ID(), "error", err)
	}
	i.notifier.NotifyTaskChange(snap)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// atomicAccount is a tiny RWMutex-guarded box for Account, which changes
// rarely (enabled toggles, weight/core_size hot-reload) relative to the
// read-heavy balancer.Candidate getters.
type atomicAccount struct {
	mu  sync.RWMutex
	val Account
}

func (a *atomicAccount) load() Account {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.val
}

func (a *atomicAccount) store(v Account) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.val = v
}

// taskUpdaterAdapter bridges a *task.Info to upstream.TaskUpdater so an
// upstream.Registerer-capable client can demultiplex inbound events straight
// into the task awaiting them, without importing internal/task itself.
type taskUpdaterAdapter struct {
	t *task.Info
}

func (a *taskUpdaterAdapter) SetProgress(p string)   { a.t.SetProgress(p) }
func (a *taskUpdaterAdapter) SetMessageID(id string) { a.t.SetMessageID(id) }

func (a *taskUpdaterAdapter) SetStatus(status string) error {
	return a.t.SetStatus(task.Status(status))
}

func (a *taskUpdaterAdapter) Fail(reason string) error {
	return a.t.Fail(reason)
}
