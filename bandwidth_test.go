package swarmcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBandwidthLimitedUnlimitedAlwaysFalse(t *testing.T) {
	now := time.Now()
	assert.False(t, BandwidthLimited(now, 1<<20, 0, time.Second, now))
}

func TestBandwidthLimitedWellPastGraceIsFalse(t *testing.T) {
	now := time.Now()
	last := now.Add(-time.Hour)
	assert.False(t, BandwidthLimited(last, 1000, 1000, time.Second, now))
}

func TestBandwidthLimitedJustTransferredIsTrue(t *testing.T) {
	now := time.Now()
	// sent 1,000,000 bytes at 1000 B/s a moment ago: far from drained.
	assert.True(t, BandwidthLimited(now, 1_000_000, 1000, time.Second, now))
}

func TestBandwidthGovernorIdleStateBothLimited(t *testing.T) {
	self := newFakeSelf()
	self.upRate = 1000
	self.downRate = 1000
	now := time.Now()
	self.lastSend = now.Add(-time.Millisecond)
	self.lastSendSize = 1_000_000
	self.lastRecv = now.Add(-time.Millisecond)
	self.lastRecvSize = 1_000_000
	self.lateUL = time.Millisecond
	self.lateDL = time.Millisecond

	g := NewBandwidthGovernor(self)
	assert.Equal(t, Idle, g.IdleState(now))
}

func TestBandwidthGovernorIdleStateUnlimited(t *testing.T) {
	self := newFakeSelf() // upRate/downRate default 0 == unlimited
	g := NewBandwidthGovernor(self)
	assert.Equal(t, Polling, g.IdleState(time.Now()))
}

func TestBandwidthGovernorIsIdlePollingRespectsDiskBusy(t *testing.T) {
	self := newFakeSelf()
	g := NewBandwidthGovernor(self)
	now := time.Now()
	assert.True(t, g.IsIdle(now, false))
	assert.False(t, g.IsIdle(now, true))
}

func TestBandwidthGovernorWaitBWUnlimitedIsZeroWait(t *testing.T) {
	self := newFakeSelf()
	g := NewBandwidthGovernor(self)
	res := g.WaitBW(time.Now())
	require.False(t, res.Rearm)
	assert.Equal(t, time.Duration(0), res.Wait)
	assert.True(t, res.OntimeUL)
	assert.True(t, res.OntimeDL)
}

func TestBandwidthGovernorWaitBWLimited(t *testing.T) {
	self := newFakeSelf()
	now := time.Now()
	self.upRate = 1000
	self.lastSend = now
	self.lastSendSize = 10_000 // 10s worth at 1000B/s
	self.lateUL = 0

	g := NewBandwidthGovernor(self)
	res := g.WaitBW(now)
	assert.False(t, res.OntimeUL)
	assert.Greater(t, res.Wait, time.Duration(0))
}
