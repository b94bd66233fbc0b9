/*
scheduler.go - Automated monthly billing scheduler

PURPOSE:
  Periodically checks every tenant and generates the current month's
  bills once the tenant's generate_on_day has arrived, then sweeps
  unpaid bills past their due date to Overdue.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - A tenant with generate_on_day = 0 is never billed automatically
  - A period that already has bills is skipped, so repeated checks on
    the same day are harmless
  - Each tenant is handled on its own; one tenant failing does not stop
    the others

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewCycleScheduler(engine, configs, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunCycle and MarkOverdue endpoints (manual runs)
  - billing/engine.go: RunCycle
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/society-ledger/billing"
	"github.com/warp/society-ledger/generic"
)

// SchedulerUser is recorded as the creator of scheduled bills.
const SchedulerUser = "scheduler"

// CycleScheduler runs billing cycles and overdue sweeps on a timer.
type CycleScheduler struct {
	Engine        *billing.Engine
	Configs       billing.ConfigLister
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// SchedulerRun summarizes one check.
type SchedulerRun struct {
	Cycles  []billing.CycleResult
	Skipped []generic.TenantID
	Overdue int
	Errors  map[generic.TenantID]error
}

// NewCycleScheduler creates a new scheduler.
func NewCycleScheduler(engine *billing.Engine, configs billing.ConfigLister, logger *zap.Logger) *CycleScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CycleScheduler{
		Engine:        engine,
		Configs:       configs,
		Logger:        logger.Named("scheduler"),
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (cs *CycleScheduler) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.Enabled {
		cs.Logger.Info("disabled, not starting")
		return
	}
	if cs.ticker != nil {
		return
	}

	cs.ticker = time.NewTicker(cs.CheckInterval)
	cs.stop = make(chan struct{})
	cs.wg.Add(1)

	go cs.run(cs.ticker, cs.stop)

	cs.Logger.Info("started", zap.Duration("interval", cs.CheckInterval))
}

// Stop stops the scheduler and waits for a running check to finish.
func (cs *CycleScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.ticker != nil {
		cs.ticker.Stop()
		close(cs.stop)
		cs.wg.Wait()
		cs.ticker = nil
		cs.Logger.Info("stopped")
	}
}

func (cs *CycleScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer cs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	cs.checkAndProcess(ctx)

	for {
		select {
		case <-ticker.C:
			cs.checkAndProcess(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow triggers an immediate check (for testing/admin).
func (cs *CycleScheduler) RunNow(ctx context.Context) SchedulerRun {
	return cs.checkAndProcess(ctx)
}

// GetNextRunTime returns when the next scheduled check will occur.
func (cs *CycleScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(cs.CheckInterval)
}

func (cs *CycleScheduler) checkAndProcess(ctx context.Context) SchedulerRun {
	run := SchedulerRun{Errors: make(map[generic.TenantID]error)}
	today := cs.Engine.Today()

	configs, err := cs.Configs.ListConfigs(ctx)
	if err != nil {
		cs.Logger.Error("failed to list tenants", zap.Error(err))
		return run
	}

	for _, cfg := range configs {
		if ctx.Err() != nil {
			break
		}
		log := cs.Logger.With(zap.String("tenant", string(cfg.TenantID)))

		if due(cfg, today) {
			result, generated, err := cs.generate(ctx, cfg.TenantID, generic.PeriodOf(today))
			switch {
			case err != nil:
				run.Errors[cfg.TenantID] = err
				log.Warn("scheduled cycle failed", zap.Error(err))
			case generated:
				run.Cycles = append(run.Cycles, result)
			default:
				run.Skipped = append(run.Skipped, cfg.TenantID)
			}
		}

		n, err := cs.Engine.MarkOverdue(ctx, cfg.TenantID, today)
		if err != nil {
			run.Errors[cfg.TenantID] = errors.Join(run.Errors[cfg.TenantID], err)
			log.Warn("overdue sweep failed", zap.Error(err))
			continue
		}
		run.Overdue += n
	}

	if len(run.Cycles) > 0 || run.Overdue > 0 || len(run.Errors) > 0 {
		cs.Logger.Info("check completed",
			zap.Int("cycles", len(run.Cycles)),
			zap.Int("skipped", len(run.Skipped)),
			zap.Int("overdue", run.Overdue),
			zap.Int("errors", len(run.Errors)),
		)
	}
	return run
}

// due reports whether the tenant's billing day has arrived this month.
func due(cfg billing.TenantConfig, today generic.TimePoint) bool {
	return cfg.GenerateOnDay > 0 && today.Day() >= cfg.GenerateOnDay
}

// generate runs the cycle unless the period already has bills.
func (cs *CycleScheduler) generate(ctx context.Context, tenantID generic.TenantID, period generic.PeriodID) (billing.CycleResult, bool, error) {
	existing, err := cs.Engine.Store.CountBills(ctx, tenantID, period)
	if err != nil {
		return billing.CycleResult{}, false, err
	}
	if existing > 0 {
		return billing.CycleResult{}, false, nil
	}

	result, err := cs.Engine.RunCycle(ctx, billing.CycleRequest{
		TenantID:  tenantID,
		PeriodID:  period,
		CreatedBy: SchedulerUser,
	})
	if errors.Is(err, generic.ErrDuplicatePeriod) {
		// Another run generated it between the count and the cycle.
		return billing.CycleResult{}, false, nil
	}
	if err != nil {
		return billing.CycleResult{}, false, err
	}
	return result, true, nil
}
