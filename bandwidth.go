package swarmcore

import "time"

// Direction distinguishes the upload and download bandwidth ceilings,
// which are governed independently (spec.md section 4.6).
type Direction int

const (
	Up Direction = iota
	Down
)

// IdleLevel is BandwidthGovernor.IdleState's three-way result.
type IdleLevel int

const (
	NotIdle IdleLevel = iota
	Idle
	Polling
)

func (l IdleLevel) String() string {
	switch l {
	case Idle:
		return "IDLE"
	case NotIdle:
		return "NOT_IDLE"
	case Polling:
		return "POLLING"
	default:
		return "UNKNOWN"
	}
}

// BandwidthGovernor applies independent per-direction rate limits using the
// Self accounting collaborator, per spec.md section 4.6.
type BandwidthGovernor struct {
	self SelfAccounting
}

func NewBandwidthGovernor(self SelfAccounting) *BandwidthGovernor {
	return &BandwidthGovernor{self: self}
}

// BandwidthLimited implements the limit test from spec.md 4.6: given the
// time and size of the last transfer, a rate limit, and a grace window, it
// reports whether the direction is currently limited.
//
// limit == 0 means unlimited and always returns false. The raw projected
// time (lastTime + lastSize/limit - grace) is compared against now+1s and
// now; a value strictly between those bounds is resolved against a precise
// clock sample taken at call time, matching the spec's "otherwise compare
// against precise monotonic clock" fallback.
func BandwidthLimited(lastTime time.Time, lastSize int64, limit int64, grace time.Duration, now time.Time) bool {
	if limit == 0 {
		return false
	}
	nextTime := projectedSafeTime(lastTime, lastSize, limit, grace)
	if !nextTime.Before(now.Add(time.Second)) {
		return true
	}
	if !nextTime.After(now) {
		return false
	}
	precise := time.Now()
	return nextTime.After(precise)
}

func projectedSafeTime(lastTime time.Time, lastSize int64, limit int64, grace time.Duration) time.Time {
	if limit == 0 {
		return lastTime
	}
	seconds := float64(lastSize) / float64(limit)
	return lastTime.Add(time.Duration(seconds * float64(time.Second))).Add(-grace)
}

// nextSafe returns the projected time at which direction becomes
// unconstrained, with no grace subtracted.
func (g *BandwidthGovernor) nextSafe(dir Direction, now time.Time) time.Time {
	switch dir {
	case Up:
		limit := g.self.NominalUploadRate()
		if limit == 0 {
			return now
		}
		return projectedSafeTime(g.self.LastSendTime(), g.self.LastSendSize(), limit, 0)
	default:
		limit := g.self.NominalDownloadRate()
		if limit == 0 {
			return now
		}
		return projectedSafeTime(g.self.LastRecvTime(), g.self.LastRecvSize(), limit, 0)
	}
}

// IdleState classifies the socket's idleness for the readiness loop, per
// spec.md 4.6: IDLE if both directions are limited beyond their late
// window, NOT_IDLE if exactly one direction is limited now but not beyond
// its late window, POLLING otherwise.
func (g *BandwidthGovernor) IdleState(now time.Time) IdleLevel {
	upNext := g.nextSafe(Up, now)
	downNext := g.nextSafe(Down, now)

	upLimitedNow := upNext.After(now)
	downLimitedNow := downNext.After(now)
	upLimitedLate := upNext.After(now.Add(g.self.LateULBudget()))
	downLimitedLate := downNext.After(now.Add(g.self.LateDLBudget()))

	if upLimitedLate && downLimitedLate {
		return Idle
	}
	upOnlyNow := upLimitedNow && !upLimitedLate
	downOnlyNow := downLimitedNow && !downLimitedLate
	if upOnlyNow != downOnlyNow {
		return NotIdle
	}
	return Polling
}

// IsIdle reduces the three-way IdleState to a boolean by additionally
// checking for concurrent disk activity during POLLING.
func (g *BandwidthGovernor) IsIdle(now time.Time, diskBusy bool) bool {
	switch g.IdleState(now) {
	case Idle:
		return true
	case Polling:
		return !diskBusy
	default:
		return false
	}
}

// WaitResult is WaitBW's output: either a concrete wait deadline with
// per-direction "ontime" hints, or Rearm, the sentinel requesting the
// outer loop recompute readiness immediately instead of sleeping.
type WaitResult struct {
	Wait     time.Duration
	OntimeUL bool
	OntimeDL bool
	Rearm    bool
}

// WaitBW computes how long to sleep before bandwidth becomes available and
// reports per-direction ontime flags, per spec.md 4.6.
func (g *BandwidthGovernor) WaitBW(now time.Time) WaitResult {
	upNext := g.nextSafe(Up, now)
	downNext := g.nextSafe(Down, now)

	lateUL := g.self.LateULBudget()
	lateDL := g.self.LateDLBudget()

	staleUL := upNext.After(now) && !upNext.After(now.Add(lateUL))
	staleDL := downNext.After(now) && !downNext.After(now.Add(lateDL))
	if staleUL || staleDL {
		return WaitResult{Rearm: true}
	}

	deadline := upNext
	lateBudget := lateUL
	if downNext.After(deadline) {
		deadline = downNext
		lateBudget = lateDL
	}
	adjusted := deadline.Add(-lateBudget)
	wait := adjusted.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return WaitResult{
		Wait:     wait,
		OntimeUL: !upNext.After(now),
		OntimeDL: !downNext.After(now),
	}
}
