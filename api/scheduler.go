/*
scheduler.go - Automated maintenance sweep

PURPOSE:
  Periodically expires timed modifiers and charges overdue setbacks so that
  nobody has to press a button for deadlines to bite.

DESIGN:
  - gocron duration job at a configurable interval
  - Singleton mode: a slow sweep is never overlapped by the next one
  - Each engine call is its own transaction; a failed setback pass does not
    undo the expiry pass that ran before it
  - Both passes are idempotent, so a sweep after a crash is safe

CONFIGURATION:
  - Interval: how often to sweep (default: 5 minutes)
  - Enabled:  whether the scheduler is active (default: true)

USAGE:
  scheduler := NewMaintenanceScheduler(engine)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunMaintenance endpoint (manual sweep)
  - economy/modifier.go: ExpireModifiers
  - economy/quest.go:    ApplyOverdueSetbacks
*/
package api

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/mckayc/task-donegeon-sub004/economy"
)

// MaintenanceScheduler runs Sweep on an interval.
type MaintenanceScheduler struct {
	Engine   *economy.Engine
	Interval time.Duration
	Enabled  bool

	mu    sync.Mutex
	sched gocron.Scheduler
	last  *MaintenanceDTO
}

// NewMaintenanceScheduler creates a new scheduler.
func NewMaintenanceScheduler(engine *economy.Engine) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		Engine:   engine,
		Interval: 5 * time.Minute,
		Enabled:  true,
	}
}

// Start begins the scheduler. The first sweep runs immediately.
func (ms *MaintenanceScheduler) Start() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !ms.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return nil
	}
	if ms.sched != nil {
		return nil
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(ms.Interval),
		gocron.NewTask(ms.RunNow),
		gocron.WithName("maintenance"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule maintenance: %w", err)
	}

	sched.Start()
	ms.sched = sched
	log.Printf("[Scheduler] Started with interval: %v", ms.Interval)
	return nil
}

// Stop stops the scheduler and waits for a running sweep.
func (ms *MaintenanceScheduler) Stop() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.sched == nil {
		return
	}
	if err := ms.sched.Shutdown(); err != nil {
		log.Printf("[Scheduler] Shutdown error: %v", err)
	}
	ms.sched = nil
	log.Println("[Scheduler] Stopped")
}

// RunNow triggers an immediate sweep (for testing/admin).
func (ms *MaintenanceScheduler) RunNow() {
	out, err := Sweep(context.Background(), ms.Engine)
	if err != nil {
		log.Printf("[Scheduler] Sweep failed: %v", err)
		return
	}
	ms.mu.Lock()
	ms.last = &out
	ms.mu.Unlock()
}

// LastResult returns the outcome of the most recent successful sweep.
func (ms *MaintenanceScheduler) LastResult() *MaintenanceDTO {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.last
}

// Sweep expires modifiers and then charges overdue setbacks.
func Sweep(ctx context.Context, engine *economy.Engine) (MaintenanceDTO, error) {
	out := MaintenanceDTO{Expired: []economy.AppliedModifier{}, Setbacks: []SetbackDTO{}}

	expired, err := engine.ExpireModifiers(ctx)
	if err != nil {
		return out, fmt.Errorf("expire modifiers: %w", err)
	}
	out.Expired = append(out.Expired, expired...)

	setbacks, err := engine.ApplyOverdueSetbacks(ctx)
	if err != nil {
		return out, fmt.Errorf("apply setbacks: %w", err)
	}
	for _, s := range setbacks {
		out.Setbacks = append(out.Setbacks, SetbackDTO{
			QuestID:   s.QuestID,
			UserID:    s.UserID,
			Kind:      s.Kind,
			Deltas:    s.Deltas,
			Shortfall: s.Shortfall,
		})
	}

	if len(out.Expired) > 0 || len(out.Setbacks) > 0 {
		log.Printf("[Scheduler] Completed: %d modifiers expired, %d setbacks charged", len(out.Expired), len(out.Setbacks))
	}
	return out, nil
}
