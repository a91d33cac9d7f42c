package swarmcore

import (
	"context"
	"time"
)

// Core wires every collaborator and component described in spec.md/
// SPEC_FULL.md into the single cooperative event loop: one PeerRegistry,
// one ChokeScheduler, one PieceSelector, one BandwidthGovernor, one
// ListenAcceptor, and the ReadinessLoop that drives a tick across all of
// them.
type Core struct {
	cfg     *Config
	content Content
	tracker Tracker
	self    SelfAccounting
	console Console

	registry  *PeerRegistry
	choke     *ChokeScheduler
	selector  *PieceSelector
	bw        *BandwidthGovernor
	listener  *ListenAcceptor
	readiness *ReadinessLoop
	metrics   *Metrics
}

// NewCore binds the listen socket and constructs every component, wiring
// them together exactly as spec.md section 5's ordering requires.
func NewCore(ctx context.Context, cfg *Config, content Content, tracker Tracker, self SelfAccounting, console Console, pendingReg PendingRegistry, selfAddr PeerAddr, handshake Handshake) (*Core, error) {
	if console == nil {
		console = NewDefaultConsole()
	}

	listener, err := NewListenAcceptor(ctx, cfg.ListenIP, cfg.ListenPort)
	if err != nil {
		return nil, err
	}

	registry := NewPeerRegistry(cfg, content, tracker, pendingReg, console, selfAddr)
	choke := NewChokeScheduler(content, console)
	selector := NewPieceSelector(content, registry, pendingReg, console)
	bw := NewBandwidthGovernor(self)
	conn := newNetConnecter(30 * time.Second)

	choke.SetUnchokeIntervals(cfg.MaxBandwidthUp, cfg.ReqSliceSize)

	rl := NewReadinessLoop(cfg, content, tracker, self, console, registry, choke, selector, bw, listener, conn, pendingReg, handshake)
	metrics := NewMetrics(registry)
	rl.SetMetrics(metrics)

	return &Core{
		cfg:       cfg,
		content:   content,
		tracker:   tracker,
		self:      self,
		console:   console,
		registry:  registry,
		choke:     choke,
		selector:  selector,
		bw:        bw,
		listener:  listener,
		readiness: rl,
		metrics:   metrics,
	}, nil
}

// Metrics returns the Prometheus collector set for registration against
// the embedding process's registerer.
func (c *Core) Metrics() *Metrics { return c.metrics }

// Tick drives one iteration of the event loop: spec.md section 5's ordering
// (address-queue drain → limit flags → keepalive scan → unchoke scan →
// readiness arming → external wait → readiness dispatch → choke-scheduler
// effects) is implemented inside ReadinessLoop.IntervalCheck/FillFDSet; Tick
// is the external entry point a caller's select/epoll wrapper invokes once
// per readiness wakeup.
func (c *Core) Tick(now time.Time) {
	if c.cfg.Pause && !c.registry.Paused() {
		c.registry.Pause(c.console)
	} else if !c.cfg.Pause && c.registry.Paused() {
		c.registry.Resume(c.content.WantFilter(), c.console)
	}

	c.readiness.IntervalCheck(now, c.content.WantFilter)

	if c.content.IsFull() {
		c.registry.CloseAllConnectionToSeed(c.console)
	}
}

// NextWait reports how long the caller's outer loop may sleep before the
// next tick is worth running, per the BandwidthGovernor's WaitBW.
func (c *Core) NextWait(now time.Time) time.Duration {
	return c.bw.WaitBW(now).Wait
}

// NotifyHave tells every SUCCESS peer we've completed a piece, per
// spec.md 4.9's Tell_World_I_Have. A disk-write-complete callback in the
// embedding process calls this once per newly-verified piece.
func (c *Core) NotifyHave(idx int) {
	c.registry.TellWorldIHave(idx, c.console)
}

// RefreshInterest recomputes local-interested across every peer against
// the current want-filter, per spec.md 4.9's CheckInterest. Called after
// the want-filter changes (e.g. a file selection change mid-download).
func (c *Core) RefreshInterest() {
	c.registry.CheckInterest(c.content.WantFilter(), c.console)
}

func (c *Core) Registry() *PeerRegistry    { return c.registry }
func (c *Core) Choke() *ChokeScheduler     { return c.choke }
func (c *Core) Selector() *PieceSelector   { return c.selector }
func (c *Core) Bandwidth() *BandwidthGovernor { return c.bw }
func (c *Core) Listener() *ListenAcceptor  { return c.listener }

func (c *Core) Close() error {
	return c.listener.Close()
}
