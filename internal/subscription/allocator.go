// Package subscription owns the realtime slot budget.
//
// The broker caps concurrent WebSocket subscriptions at 41 per
// connection. The Allocator is the single writer for slot state: it
// admits symbols by priority, displaces the lowest-priority slot when
// full, and stages additions/removals in pending sets that the
// WebSocket layer drains and confirms. A periodic rebalance swaps
// bottom-performing slots for stronger scoreboard candidates.
package subscription

import (
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"stockbot/internal/metrics"
	"stockbot/pkg/types"
)

// MaxSlots is the broker-imposed concurrent subscription cap.
const MaxSlots = 41

const (
	rebalanceInterval = 5 * time.Minute
	rebalanceJitter   = 30 * time.Second
	// A scoreboard candidate must beat an active slot's score by this
	// factor before a swap is worthwhile.
	rebalanceAdvantage = 1.20
)

// Allocator tracks active and pending subscription slots.
type Allocator struct {
	mu       sync.Mutex
	maxSlots int

	active        map[types.SlotKey]*types.Slot
	pendingAdd    map[types.SlotKey]*types.Slot
	pendingRemove map[types.SlotKey]struct{}

	// score of the candidate that earned each active slot, for rebalance
	// comparisons.
	scores map[types.SlotKey]float64

	lastRebalance time.Time
	logger        *slog.Logger
	now           func() time.Time
}

// New creates an allocator with the given cap (0 means the broker default).
func New(maxSlots int, logger *slog.Logger) *Allocator {
	if maxSlots <= 0 {
		maxSlots = MaxSlots
	}
	return &Allocator{
		maxSlots:      maxSlots,
		active:        make(map[types.SlotKey]*types.Slot),
		pendingAdd:    make(map[types.SlotKey]*types.Slot),
		pendingRemove: make(map[types.SlotKey]struct{}),
		scores:        make(map[types.SlotKey]float64),
		logger:        logger.With("component", "allocator"),
		now:           time.Now,
	}
}

// CanAdmit reports whether a new subscription fits without displacement.
func (a *Allocator) CanAdmit(channel types.Channel, symbol string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlightLocked() < a.maxSlots
}

// inFlightLocked is the wire-bound subscription count: active plus
// staged additions minus staged removals.
func (a *Allocator) inFlightLocked() int {
	return len(a.active) + len(a.pendingAdd) - len(a.pendingRemove)
}

// RequestAdmit stages a subscription for the slot. Idempotent: a slot
// already active or pending is a no-op returning true. When full, the
// lowest-priority active slot is displaced iff the new slot's priority
// is strictly higher.
func (a *Allocator) RequestAdmit(slot types.Slot, score float64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := slot.Key()
	if _, ok := a.active[key]; ok {
		delete(a.pendingRemove, key)
		return true
	}
	if _, ok := a.pendingAdd[key]; ok {
		return true
	}

	if a.inFlightLocked() >= a.maxSlots {
		victim := a.lowestPriorityLocked()
		if victim == nil || slot.Priority <= victim.Priority {
			a.logger.Debug("admission rejected, no displaceable slot",
				"symbol", slot.Symbol, "priority", slot.Priority)
			return false
		}
		a.logger.Info("displacing slot",
			"evicted", victim.Symbol, "evicted_priority", victim.Priority,
			"admitted", slot.Symbol, "priority", slot.Priority)
		a.requestRemoveLocked(victim.Key())
	}

	if slot.CreatedAt.IsZero() {
		slot.CreatedAt = a.now()
	}
	a.pendingAdd[key] = &slot
	a.scores[key] = score
	return true
}

// lowestPriorityLocked finds the displacement victim: the active
// non-pending-remove slot with the lowest priority. INDEX slots are
// never displaced.
func (a *Allocator) lowestPriorityLocked() *types.Slot {
	var victim *types.Slot
	for key, slot := range a.active {
		if slot.Channel == types.ChannelIndex {
			continue
		}
		if _, removing := a.pendingRemove[key]; removing {
			continue
		}
		if victim == nil || slot.Priority < victim.Priority {
			victim = slot
		}
	}
	return victim
}

// RequestRemove stages removal of a slot.
func (a *Allocator) RequestRemove(key types.SlotKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requestRemoveLocked(key)
}

func (a *Allocator) requestRemoveLocked(key types.SlotKey) {
	if _, ok := a.pendingAdd[key]; ok {
		// Never made it to the wire; cancel the staged add directly.
		delete(a.pendingAdd, key)
		delete(a.scores, key)
		return
	}
	if _, ok := a.active[key]; ok {
		a.pendingRemove[key] = struct{}{}
	}
}

// PendingAdditions snapshots the staged subscribe set.
func (a *Allocator) PendingAdditions() []types.Slot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.Slot, 0, len(a.pendingAdd))
	for _, slot := range a.pendingAdd {
		out = append(out, *slot)
	}
	return out
}

// PendingRemovals snapshots the staged unsubscribe set.
func (a *Allocator) PendingRemovals() []types.SlotKey {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.SlotKey, 0, len(a.pendingRemove))
	for key := range a.pendingRemove {
		out = append(out, key)
	}
	return out
}

// ConfirmAddition moves a staged slot to active after the WebSocket
// layer has subscribed it.
func (a *Allocator) ConfirmAddition(key types.SlotKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	slot, ok := a.pendingAdd[key]
	if !ok {
		return
	}
	delete(a.pendingAdd, key)
	a.active[key] = slot
	metrics.ActiveSlots.Set(float64(len(a.active)))
}

// ConfirmRemoval drops an active slot after the unsubscribe completed.
func (a *Allocator) ConfirmRemoval(key types.SlotKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pendingRemove[key]; !ok {
		return
	}
	delete(a.pendingRemove, key)
	delete(a.active, key)
	delete(a.scores, key)
	metrics.ActiveSlots.Set(float64(len(a.active)))
}

// Active snapshots the confirmed slot set.
func (a *Allocator) Active() []types.Slot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.Slot, 0, len(a.active))
	for _, slot := range a.active {
		out = append(out, *slot)
	}
	return out
}

// ActiveCount returns the confirmed slot count.
func (a *Allocator) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

// Touch records activity on a slot, protecting it from rebalance for a
// while.
func (a *Allocator) Touch(key types.SlotKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if slot, ok := a.active[key]; ok {
		slot.LastActivity = a.now()
	}
}

// ShouldRebalance reports whether the jittered rebalance interval has
// elapsed.
func (a *Allocator) ShouldRebalance() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastRebalance.IsZero() {
		a.lastRebalance = a.now()
		return false
	}
	jitter := time.Duration(rand.Int63n(int64(rebalanceJitter)))
	return a.now().Sub(a.lastRebalance) >= rebalanceInterval+jitter
}

// Rebalance swaps bottom-performing non-INDEX slots for scoreboard
// candidates whose score beats theirs by at least 20%. Returns the
// candidates that were staged for admission.
func (a *Allocator) Rebalance(scoreboard []types.Candidate) []types.Candidate {
	a.mu.Lock()
	a.lastRebalance = a.now()

	type scored struct {
		slot  *types.Slot
		score float64
	}
	current := make([]scored, 0, len(a.active))
	held := make(map[string]bool, len(a.active))
	for key, slot := range a.active {
		held[key.Symbol] = true
		if slot.Channel == types.ChannelIndex {
			continue
		}
		if _, removing := a.pendingRemove[key]; removing {
			continue
		}
		current = append(current, scored{slot: slot, score: a.scores[key]})
	}
	a.mu.Unlock()

	if len(current) == 0 {
		return nil
	}
	sort.Slice(current, func(i, j int) bool { return current[i].score < current[j].score })

	var swapped []types.Candidate
	slotIdx := 0
	for _, cand := range scoreboard {
		if slotIdx >= len(current) {
			break
		}
		if held[cand.Symbol] {
			continue
		}
		bottom := current[slotIdx]
		if bottom.score > 0 && cand.Score < bottom.score*rebalanceAdvantage {
			// Scoreboard is sorted best-first; once one candidate fails
			// the margin, the rest will too.
			break
		}
		a.RequestRemove(bottom.slot.Key())
		admitted := a.RequestAdmit(types.Slot{
			Symbol:   cand.Symbol,
			Channel:  bottom.slot.Channel,
			Priority: bottom.slot.Priority,
			Strategy: cand.Strategy,
		}, cand.Score)
		if admitted {
			a.logger.Info("rebalance swap",
				"out", bottom.slot.Symbol, "out_score", bottom.score,
				"in", cand.Symbol, "in_score", cand.Score)
			swapped = append(swapped, cand)
			slotIdx++
		}
	}
	return swapped
}
