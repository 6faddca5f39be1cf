// Package scheduler drives the wall-clock state machine over the
// configured trading-day slots.
//
// For each slot it wakes at the preparation boundary (slot start minus
// the preparation offset), runs preparation under a hard time budget,
// activates the slot's strategies at the start time, and cleans up at
// the end. Cleanup of the previous slot always runs before the next
// activation. Outside any slot the scheduler sleeps and rechecks.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"stockbot/internal/config"
	"stockbot/pkg/types"
)

// Phase is the scheduler's externally visible state.
type Phase int

const (
	PhaseOff Phase = iota
	PhasePreparing
	PhaseExecution
)

func (p Phase) String() string {
	switch p {
	case PhasePreparing:
		return "preparing"
	case PhaseExecution:
		return "execution"
	}
	return "off"
}

// Hooks are the engine callbacks the scheduler drives. Prepare receives
// a context bounded by the discovery budget; activation proceeds with
// whatever preparation completed (partial activation on timeout).
type Hooks struct {
	Prepare  func(ctx context.Context, slot types.TimeSlot)
	Activate func(slot types.TimeSlot)
	Cleanup  func(slot types.TimeSlot)
}

// Scheduler owns the slot state machine.
type Scheduler struct {
	slots      []types.TimeSlot
	prepOffset time.Duration
	offHours   time.Duration
	budget     time.Duration
	hooks      Hooks

	active      *types.TimeSlot
	phase       Phase
	preparedDay string
	prepared    map[string]bool

	logger *slog.Logger
	now    func() time.Time
}

// New parses the configured slots and builds the scheduler.
func New(cfg config.ScheduleConfig, hooks Hooks, logger *slog.Logger) (*Scheduler, error) {
	slots, err := ParseSlots(cfg)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		slots:      slots,
		prepOffset: cfg.PreparationOffset,
		offHours:   cfg.OffHoursRecheck,
		budget:     cfg.DiscoveryBudget,
		hooks:      hooks,
		prepared:   make(map[string]bool),
		logger:     logger.With("component", "scheduler"),
		now:        time.Now,
	}, nil
}

// ParseSlots converts the config slot table into typed slots.
func ParseSlots(cfg config.ScheduleConfig) ([]types.TimeSlot, error) {
	slots := make([]types.TimeSlot, 0, len(cfg.Slots))
	for i, sc := range cfg.Slots {
		start, err := config.ParseClock(sc.Start)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		end, err := config.ParseClock(sc.End)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		slots = append(slots, types.TimeSlot{
			Name:              sc.Name,
			Start:             start,
			End:               end,
			Primary:           sc.Primary,
			Secondary:         sc.Secondary,
			PreparationOffset: cfg.PreparationOffset,
		})
	}
	return slots, nil
}

// Phase returns the current phase.
func (s *Scheduler) Phase() Phase { return s.phase }

// ActiveSlot returns the slot in execution, or nil.
func (s *Scheduler) ActiveSlot() *types.TimeSlot { return s.active }

// Run loops the state machine until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		wait := s.step(ctx)
		select {
		case <-ctx.Done():
			if s.active != nil && s.hooks.Cleanup != nil {
				s.hooks.Cleanup(*s.active)
			}
			return
		case <-time.After(wait):
		}
	}
}

// step advances the state machine once and returns how long to sleep
// before the next check.
func (s *Scheduler) step(ctx context.Context) time.Duration {
	now := s.now()
	s.resetDailyState(now)

	cur := s.slotContaining(now)

	// Transition out of a finished slot before anything else.
	if s.active != nil && (cur == nil || cur.Name != s.active.Name) {
		s.logger.Info("slot ended", "slot", s.active.Name)
		if s.hooks.Cleanup != nil {
			s.hooks.Cleanup(*s.active)
		}
		s.active = nil
		s.phase = PhaseOff
	}

	if cur != nil {
		if s.active == nil {
			// Late entry (e.g. started mid-slot): prepare now if it never ran.
			if !s.prepared[cur.Name] {
				s.runPrepare(ctx, *cur)
			}
			s.logger.Info("slot active", "slot", cur.Name)
			if s.hooks.Activate != nil {
				s.hooks.Activate(*cur)
			}
			s.active = cur
			s.phase = PhaseExecution
		}
		return s.clampWait(s.untilClock(now, cur.End))
	}

	next, startsAt := s.nextSlot(now)
	if next == nil {
		s.phase = PhaseOff
		return s.offHours
	}

	prepAt := startsAt.Add(-s.prepOffset)
	if !now.Before(prepAt) {
		if !s.prepared[next.Name] {
			s.runPrepare(ctx, *next)
		}
		// Prepared; sleep until the slot opens.
		return s.clampWait(startsAt.Sub(now))
	}

	s.phase = PhaseOff
	wait := prepAt.Sub(now)
	if wait > s.offHours {
		wait = s.offHours
	}
	return s.clampWait(wait)
}

func (s *Scheduler) runPrepare(ctx context.Context, slot types.TimeSlot) {
	s.phase = PhasePreparing
	s.prepared[slot.Name] = true
	if s.hooks.Prepare == nil {
		return
	}
	s.logger.Info("preparing slot", "slot", slot.Name, "budget", s.budget)
	pctx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()
	s.hooks.Prepare(pctx, slot)
	if pctx.Err() == context.DeadlineExceeded {
		s.logger.Warn("preparation hit the time budget, partial activation", "slot", slot.Name)
	}
}

// resetDailyState clears per-day preparation flags at the first check of
// a new calendar day.
func (s *Scheduler) resetDailyState(now time.Time) {
	day := now.Format("20060102")
	if day != s.preparedDay {
		s.preparedDay = day
		s.prepared = make(map[string]bool)
	}
}

func (s *Scheduler) slotContaining(now time.Time) *types.TimeSlot {
	clock := clockOffset(now)
	for i := range s.slots {
		if s.slots[i].Contains(clock) {
			return &s.slots[i]
		}
	}
	return nil
}

// clockOffset converts a wall-clock instant into its offset from local
// midnight, the form slot bounds are stored in.
func clockOffset(now time.Time) time.Duration {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return now.Sub(midnight)
}

// nextSlot finds the earliest slot start strictly after now, today or
// tomorrow.
func (s *Scheduler) nextSlot(now time.Time) (*types.TimeSlot, time.Time) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var (
		best   *types.TimeSlot
		bestAt time.Time
	)
	for dayOffset := 0; dayOffset <= 1; dayOffset++ {
		base := midnight.AddDate(0, 0, dayOffset)
		for i := range s.slots {
			startsAt := base.Add(s.slots[i].Start)
			if !startsAt.After(now) {
				continue
			}
			if best == nil || startsAt.Before(bestAt) {
				best = &s.slots[i]
				bestAt = startsAt
			}
		}
		if best != nil {
			return best, bestAt
		}
	}
	return nil, time.Time{}
}

func (s *Scheduler) untilClock(now time.Time, clock time.Duration) time.Duration {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return midnight.Add(clock).Sub(now)
}

// clampWait keeps sleeps positive and bounded so clock drift or DST
// shifts cannot wedge the loop.
func (s *Scheduler) clampWait(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	if d > s.offHours && s.offHours > 0 {
		return s.offHours
	}
	return d
}
