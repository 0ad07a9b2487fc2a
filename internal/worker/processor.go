package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/korir254/flowgate/internal/config"
	"github.com/korir254/flowgate/internal/engine"
	"github.com/korir254/flowgate/internal/observability"
	"github.com/korir254/flowgate/model"
)

// EngineAPI is the slice of the engine client the processor needs.
type EngineAPI interface {
	FetchAndLock(ctx context.Context, req engine.FetchAndLockRequest) ([]model.ExternalTask, error)
	Complete(ctx context.Context, taskID, workerID string, vars model.Variables) error
	ReportFailure(ctx context.Context, taskID string, report engine.FailureReport) error
}

// Status is a point-in-time snapshot of the processor. Reading it never
// blocks task processing.
type Status struct {
	Running        bool      `json:"running"`
	WorkerID       string    `json:"worker_id"`
	Topics         []string  `json:"topics"`
	PollCycles     uint64    `json:"poll_cycles"`
	SkippedTicks   uint64    `json:"skipped_ticks"`
	TasksCompleted uint64    `json:"tasks_completed"`
	TasksFailed    uint64    `json:"tasks_failed"`
	LastPollAt     time.Time `json:"last_poll_at,omitzero"`
}

// Processor polls the engine for external tasks on every registered topic
// and dispatches them to handlers. Poll cycles never overlap: when a tick
// fires while the previous cycle is still running, the tick is skipped and
// counted, not queued.
type Processor struct {
	cfg      config.WorkerConfig
	engine   EngineAPI
	registry *Registry
	log      *zap.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	inFlight atomic.Bool
	wg       sync.WaitGroup

	pollCycles   atomic.Uint64
	skippedTicks atomic.Uint64
	completed    atomic.Uint64
	failed       atomic.Uint64
	lastPollNano atomic.Int64
}

// NewProcessor creates a Processor. Start must be called before it polls.
func NewProcessor(cfg config.WorkerConfig, api EngineAPI, registry *Registry, log *zap.Logger, metrics *observability.Metrics) *Processor {
	return &Processor{
		cfg:      cfg,
		engine:   api,
		registry: registry,
		log:      log,
		metrics:  metrics,
	}
}

// Start launches the polling loop. Calling Start on a running processor is
// a no-op.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	go p.loop(loopCtx)

	p.log.Info("external task processor started",
		zap.String("worker_id", p.cfg.ID),
		zap.Duration("poll_interval", p.cfg.PollInterval),
		zap.Int("max_tasks_per_poll", p.cfg.MaxTasksPerPoll),
	)
}

// Stop halts the polling loop and waits for the in-flight poll cycle to
// drain. In-flight handlers run to completion; the engine re-offers any
// task whose lock expires unfinished.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("external task processor stopped",
		zap.Uint64("tasks_completed", p.completed.Load()),
		zap.Uint64("tasks_failed", p.failed.Load()),
	)
}

// Status returns a snapshot of the processor's counters and registration
// state.
func (p *Processor) Status() Status {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()

	var lastPoll time.Time
	if nano := p.lastPollNano.Load(); nano > 0 {
		lastPoll = time.Unix(0, nano)
	}
	return Status{
		Running:        running,
		WorkerID:       p.cfg.ID,
		Topics:         p.registry.Topics(),
		PollCycles:     p.pollCycles.Load(),
		SkippedTicks:   p.skippedTicks.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		LastPollAt:     lastPoll,
	}
}

func (p *Processor) loop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick launches one poll cycle unless the previous one is still running.
func (p *Processor) tick(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.skippedTicks.Add(1)
		p.metrics.RecordPollSkipped()
		p.log.Debug("poll tick skipped, previous cycle still in flight")
		return
	}

	// The wg.Add must happen under the same lock Stop takes before waiting,
	// so a tick that races Stop either joins the wait group first or sees
	// the processor stopped and backs off.
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		p.inFlight.Store(false)
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	// Handlers already dispatched keep running through shutdown; only the
	// loop itself observes cancellation.
	pollCtx := context.WithoutCancel(ctx)

	go func() {
		defer p.wg.Done()
		defer p.inFlight.Store(false)
		p.poll(pollCtx)
	}()
}

func (p *Processor) poll(ctx context.Context) {
	topics := p.registry.Topics()
	if len(topics) == 0 {
		return
	}

	for _, topic := range topics {
		tasks, err := p.engine.FetchAndLock(ctx, engine.FetchAndLockRequest{
			WorkerID: p.cfg.ID,
			MaxTasks: p.cfg.MaxTasksPerPoll,
			Topics: []engine.TopicSubscription{{
				TopicName:    topic,
				LockDuration: p.cfg.LockDuration.Milliseconds(),
			}},
		})
		if err != nil {
			p.log.Warn("fetch and lock failed",
				zap.String("topic", topic),
				zap.Error(err),
			)
			continue
		}
		if len(tasks) == 0 {
			continue
		}
		p.metrics.RecordTasksFetched(topic, len(tasks))

		g := new(errgroup.Group)
		g.SetLimit(p.cfg.MaxTasksPerPoll)
		for _, task := range tasks {
			task := task
			g.Go(func() error {
				p.handleTask(ctx, task)
				return nil
			})
		}
		g.Wait()
	}

	p.pollCycles.Add(1)
	p.lastPollNano.Store(time.Now().UnixNano())
	p.metrics.RecordPollCycle()
}

func (p *Processor) handleTask(ctx context.Context, task model.ExternalTask) {
	handler, ok := p.registry.Get(task.Topic)
	if !ok {
		// Unregistered between poll and dispatch; the lock expires and the
		// engine re-offers the task.
		p.log.Warn("no handler for locked task",
			zap.String("topic", task.Topic),
			zap.String("task_id", task.ID),
		)
		return
	}

	p.metrics.AddTasksInFlight(1)
	defer p.metrics.AddTasksInFlight(-1)

	start := time.Now()
	vars, err := p.invoke(ctx, handler, task)
	if err != nil {
		p.reportFailure(ctx, task, err)
		return
	}

	if err := p.engine.Complete(ctx, task.ID, p.cfg.ID, vars); err != nil {
		p.log.Error("completing task failed",
			zap.String("topic", task.Topic),
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		p.failed.Add(1)
		p.metrics.RecordTaskFailed(task.Topic)
		return
	}

	p.completed.Add(1)
	p.metrics.RecordTaskCompleted(task.Topic, time.Since(start))
	p.log.Debug("task completed",
		zap.String("topic", task.Topic),
		zap.String("task_id", task.ID),
		zap.String("process_instance_id", task.ProcessInstanceID),
	)
}

// invoke runs the handler, converting panics into handler errors so a
// misbehaving handler cannot take down the processor.
func (p *Processor) invoke(ctx context.Context, handler Handler, task model.ExternalTask) (vars model.Variables, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler.Handle(ctx, task)
}

// reportFailure sends a failure report with the remaining retry budget.
// First deliveries carry a nil retry count; they are seeded with the
// configured bound minus one so an always-failing handler produces exactly
// `retries` failure reports before the engine raises an incident.
func (p *Processor) reportFailure(ctx context.Context, task model.ExternalTask, handlerErr error) {
	remaining := p.cfg.Retries - 1
	if task.Retries != nil {
		remaining = *task.Retries - 1
	}
	if remaining < 0 {
		remaining = 0
	}

	report := engine.FailureReport{
		WorkerID:     p.cfg.ID,
		ErrorMessage: handlerErr.Error(),
		Retries:      remaining,
		RetryTimeout: p.cfg.RetryTimeout.Milliseconds(),
	}
	if err := p.engine.ReportFailure(ctx, task.ID, report); err != nil {
		p.log.Error("reporting task failure failed",
			zap.String("topic", task.Topic),
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
	}

	p.failed.Add(1)
	p.metrics.RecordTaskFailed(task.Topic)
	p.log.Warn("task handler failed",
		zap.String("topic", task.Topic),
		zap.String("task_id", task.ID),
		zap.Int("retries_remaining", remaining),
		zap.Error(handlerErr),
	)
}
