package swarmcore

import "time"

// KeepaliveInterval is spec.md 4.7's KEEPALIVE_INTERVAL (117s).
const KeepaliveInterval = 117 * time.Second

// HardDeadInterval is the silence threshold past which a peer is evicted
// outright (3 * KEEPALIVE_INTERVAL).
const HardDeadInterval = 3 * KeepaliveInterval

// NeedsEviction reports whether p has been silent long enough to be
// closed regardless of state.
func (p *Peer) NeedsEviction(now time.Time) bool {
	return now.Sub(p.lastMessage) >= HardDeadInterval
}

// NeedsHealthCheck reports whether a SUCCESS peer is due for an
// AreYouOK() ping.
func (p *Peer) NeedsHealthCheck(now time.Time) bool {
	return p.state == StateSuccess && now.Sub(p.lastMessage) >= KeepaliveInterval
}

// AreYouOK sends a keepalive ping; its failure kills the peer, per
// spec.md 4.7.
func (p *Peer) AreYouOK(console Console) status {
	if p.stream == nil {
		return statusOK
	}
	return sendGuarded(p, console, "keepalive failed", p.stream.SendKeepAlive)
}
