package swarmcore

import (
	"github.com/anacrolix/missinggo/v2/bitmap"

	"github.com/monjaro/dtorrent/internal/pieceset"
)

// TellWorldIHave implements spec.md 4.9: enqueue HAVE(idx) on every
// SUCCESS peer not already known to have it. Send failures close the
// peer.
func (r *PeerRegistry) TellWorldIHave(idx int, console Console) {
	r.ForEachLive(func(p *Peer) bool {
		if p.state != StateSuccess {
			return true
		}
		if p.remoteBitfield.Contains(idx) || p.queuedHaves.Contains(bitmap.BitIndex(idx)) {
			return true
		}
		if st := sendGuarded(p, console, "have send failed", func() error { return p.stream.SendHave(idx) }); st.fatal() {
			return true
		}
		p.queuedHaves.Add(bitmap.BitIndex(idx))
		return true
	})
}

// CheckInterest recomputes local-interested for every SUCCESS peer
// against the current want-filter and remote bitfield, sending
// INTERESTED/NOT_INTERESTED on change.
func (r *PeerRegistry) CheckInterest(want pieceset.Set, console Console) {
	r.ForEachLive(func(p *Peer) bool {
		if p.state != StateSuccess {
			return true
		}
		interesting := p.IsInterestingToUs(want)
		if interesting == p.localInterested {
			return true
		}
		var st status
		if interesting {
			st = sendGuarded(p, console, "interested send failed", p.stream.SendInterested)
		} else {
			st = sendGuarded(p, console, "not-interested send failed", p.stream.SendNotInterested)
		}
		if st.fatal() {
			return true
		}
		p.localInterested = interesting
		return true
	})
}

// CloseAllConnectionToSeed closes every SUCCESS peer that is itself a
// full-bitfield seed, used when the local content becomes complete.
func (r *PeerRegistry) CloseAllConnectionToSeed(console Console) {
	numPieces := r.content.PieceCount()
	r.ForEachLive(func(p *Peer) bool {
		if p.state == StateSuccess && p.HasFullBitfield(numPieces) {
			p.CloseConnection("both peers are seeds", console)
		}
		return true
	})
}

// Pause sends CHOKE to every locally-unchoked peer and NOT_INTERESTED to
// every peer, and suppresses choke-scheduler runs and prefetch until
// Resume is called.
func (r *PeerRegistry) Pause(console Console) {
	r.paused = true
	r.ForEachLive(func(p *Peer) bool {
		if p.state != StateSuccess {
			return true
		}
		if !p.localChoking {
			if st := sendGuarded(p, console, "choke send failed", p.stream.SendChoke); !st.fatal() {
				p.localChoking = true
			}
		}
		if p.localInterested {
			if st := sendGuarded(p, console, "not-interested send failed", p.stream.SendNotInterested); !st.fatal() {
				p.localInterested = false
			}
		}
		return true
	})
}

// Resume clears the paused flag and recomputes interest once.
func (r *PeerRegistry) Resume(want pieceset.Set, console Console) {
	r.paused = false
	r.CheckInterest(want, console)
}
