package swarmcore

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsGaugesReadLiveRegistryState(t *testing.T) {
	cfg := &Config{MaxPeers: 10}
	content := newFakeContent(4)
	tracker := newFakeTracker()
	selfAddr := PeerAddr{IP: net.ParseIP("127.0.0.1"), Port: 6881}
	registry := NewPeerRegistry(cfg, content, tracker, newFakePendingRegistry(), &fakeConsole{}, selfAddr)

	m := NewMetrics(registry)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.PeerCount))

	addr := PeerAddr{IP: net.ParseIP("10.7.1.1"), Port: 1}
	_, code := registry.NewPeer(NewPeerParams{Addr: addr, Inbound: true, Accepted: &fakeStream{}, Now: time.Now()})
	require.Equal(t, admitOK, code)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.PeerCount))
}

func TestMetricsDeadCountReflectsDeadSet(t *testing.T) {
	cfg := &Config{MaxPeers: 10}
	content := newFakeContent(4)
	tracker := newFakeTracker()
	selfAddr := PeerAddr{IP: net.ParseIP("127.0.0.1"), Port: 6881}
	registry := NewPeerRegistry(cfg, content, tracker, newFakePendingRegistry(), &fakeConsole{}, selfAddr)
	m := NewMetrics(registry)

	now := time.Now()
	addr := PeerAddr{IP: net.ParseIP("10.7.1.2"), Port: 1}
	p, code := registry.NewPeer(NewPeerParams{Addr: addr, Inbound: true, Accepted: &fakeStream{}, Now: now})
	require.Equal(t, admitOK, code)
	p.totalUL = 1 // nonzero stats: kept in the dead set rather than freed

	registry.moveToDead(p, now)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DeadCount))
}

func TestMetricsCollectorsReturnsEveryCollector(t *testing.T) {
	registry := NewPeerRegistry(&Config{MaxPeers: 10}, newFakeContent(4), newFakeTracker(), newFakePendingRegistry(), &fakeConsole{}, PeerAddr{})
	m := NewMetrics(registry)
	assert.Len(t, m.Collectors(), 11)
}

func TestRecordChokeEventsIncrementsBothCounters(t *testing.T) {
	registry := NewPeerRegistry(&Config{MaxPeers: 10}, newFakeContent(4), newFakeTracker(), newFakePendingRegistry(), &fakeConsole{}, PeerAddr{})
	m := NewMetrics(registry)

	m.RecordChokeEvents([]*Peer{{id: 1}, {id: 2}}, []*Peer{{id: 3}})
	assert.Equal(t, float64(2), testutil.ToFloat64(m.UnchokeEvents))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ChokeEvents))
}

func TestRecordChokeEventsNoopOnEmptySlices(t *testing.T) {
	registry := NewPeerRegistry(&Config{MaxPeers: 10}, newFakeContent(4), newFakeTracker(), newFakePendingRegistry(), &fakeConsole{}, PeerAddr{})
	m := NewMetrics(registry)

	m.RecordChokeEvents(nil, nil)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.UnchokeEvents))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ChokeEvents))
}
