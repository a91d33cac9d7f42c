package swarmcore

// status is the signed-status propagation convention described in spec.md
// section 7: every socket-facing operation returns one of these; negative
// triggers CloseConnection, zero or positive continues.
type status int

const (
	statusFatal status = -1
	statusOK    status = 0
)

func (s status) fatal() bool { return s < 0 }

// sendGuarded runs a wire send and converts any error into the signed
// status convention, closing the peer on failure. This is the single choke
// point every CHOKE/UNCHOKE/HAVE/CANCEL send goes through.
func sendGuarded(p *Peer, console Console, reason string, send func() error) status {
	if send == nil {
		return statusOK
	}
	if err := send(); err != nil {
		p.CloseConnection(reason+": "+err.Error(), console)
		return statusFatal
	}
	return statusOK
}
