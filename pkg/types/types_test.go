package types

import (
	"math"
	"testing"
	"time"
)

func TestChannelTrID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		channel Channel
		paper   bool
		want    string
	}{
		{ChannelTrade, false, "H0STCNT0"},
		{ChannelBook, false, "H0STASP0"},
		{ChannelExecution, false, "H0STCNI0"},
		{ChannelExecution, true, "H0STCNI9"},
		{ChannelIndex, false, "H0UPCNT0"},
	}
	for _, tt := range tests {
		if got := tt.channel.TrID(tt.paper); got != tt.want {
			t.Errorf("TrID(%s, paper=%v) = %q, want %q", tt.channel, tt.paper, got, tt.want)
		}
	}
}

func TestTierDowngrade(t *testing.T) {
	t.Parallel()
	if got := TierCritical.Downgrade(1); got != TierHigh {
		t.Errorf("Downgrade(1) = %v, want TierHigh", got)
	}
	if got := TierLow.Downgrade(5); got != TierBackground {
		t.Errorf("Downgrade(5) = %v, want TierBackground (bounded)", got)
	}
	if got := TierHigh.Downgrade(0); got != TierHigh {
		t.Errorf("Downgrade(0) = %v, want TierHigh", got)
	}
}

func TestQuoteChangeRate(t *testing.T) {
	t.Parallel()
	q := Quote{Last: 20500, PrevClose: 20000}
	if got := q.ChangeRate(); got != 2.5 {
		t.Errorf("ChangeRate = %v, want 2.5", got)
	}
	zero := Quote{Last: 100}
	if got := zero.ChangeRate(); got != 0 {
		t.Errorf("ChangeRate with zero prev close = %v, want 0", got)
	}
}

func TestQuoteStale(t *testing.T) {
	t.Parallel()
	now := time.Now()
	q := Quote{Ts: now.Add(-6 * time.Second)}
	if !q.Stale(5*time.Second, now) {
		t.Error("quote 6s old should be stale with 5s TTL")
	}
	if q.Stale(10*time.Second, now) {
		t.Error("quote 6s old should not be stale with 10s TTL")
	}
}

func TestPendingOrderExpired(t *testing.T) {
	t.Parallel()
	now := time.Now()
	p := PendingOrder{CreatedAt: now.Add(-301 * time.Second), Timeout: 300 * time.Second}
	if !p.Expired(now) {
		t.Error("order past timeout should be expired")
	}
	p.CreatedAt = now.Add(-299 * time.Second)
	if p.Expired(now) {
		t.Error("order within timeout should not be expired")
	}
}

func TestPositionProfitPct(t *testing.T) {
	t.Parallel()
	p := Position{Qty: 100, AvgCost: 20000}
	if got := p.ProfitPct(20720); math.Abs(got-3.6) > 1e-9 {
		t.Errorf("ProfitPct = %v, want 3.6", got)
	}
	if got := (Position{}).ProfitPct(100); got != 0 {
		t.Errorf("ProfitPct with zero cost = %v, want 0", got)
	}
}

func TestTimeSlotContains(t *testing.T) {
	t.Parallel()
	slot := TimeSlot{Start: 9 * time.Hour, End: 10 * time.Hour}
	if !slot.Contains(9*time.Hour + 30*time.Minute) {
		t.Error("09:30 should be inside 09:00-10:00")
	}
	if slot.Contains(10 * time.Hour) {
		t.Error("end boundary is exclusive")
	}
	if slot.Contains(8 * time.Hour) {
		t.Error("08:00 is before the slot")
	}
}
