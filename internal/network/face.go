// Package network carries datagrams between nodes. A Face is one transport
// (UDP multicast, QUIC datagrams, an in-memory pipe); the Mux fans outbound
// datagrams out to every face and feeds inbound ones to a Receiver.
package network

import (
	"context"
	"errors"
)

// ErrFaceClosed is returned by Send on a closed face.
var ErrFaceClosed = errors.New("face closed")

// maxDatagram bounds the read buffer of socket faces.
const maxDatagram = 1500

// Face is a datagram transport.
type Face interface {
	// Name identifies the face in logs and metrics.
	Name() string

	// Send transmits one datagram to every reachable neighbour.
	Send(pkt []byte) error

	// Run delivers inbound datagrams to rx until ctx is done or the face
	// fails. rx owns the slice it receives.
	Run(ctx context.Context, rx func(pkt []byte)) error

	// Close releases the face. Run returns afterwards.
	Close() error
}
