// Package peer holds the per-origin trust table consulted on every inbound
// message. Records are administrative data written outside the message path.
package peer

import (
	"errors"
	"time"

	"github.com/canopyhub/canopy/internal/domain/envelope"
)

var (
	ErrUntrustedPeer      = errors.New("origin peer is not trusted")
	ErrUnauthorizedSender = errors.New("sender does not match registered peer address")
	ErrPeerNotFound       = errors.New("no peer registered for origin")
)

// Peer is one trusted remote endpoint, keyed by origin id.
type Peer struct {
	OriginID  uint32           `json:"originId"`
	Address   envelope.Address `json:"address"`
	Trusted   bool             `json:"trusted"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Authorize checks that the peer is trusted and that the claimed sender
// matches the registered address. Both failures are fatal to the message.
func (p *Peer) Authorize(sender envelope.Address) error {
	if p == nil {
		return ErrPeerNotFound
	}
	if !p.Trusted {
		return ErrUntrustedPeer
	}
	if p.Address != sender {
		return ErrUnauthorizedSender
	}
	return nil
}
