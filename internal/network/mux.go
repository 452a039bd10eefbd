package network

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/jannickheisch/tinyISP/internal/logger"
	"github.com/jannickheisch/tinyISP/internal/metrics"
)

// Receiver consumes inbound datagrams. The dispatch hub implements it.
type Receiver interface {
	OnReceive(pkt []byte) bool
}

// Mux joins several faces into one datagram medium.
type Mux struct {
	faces   []Face
	dedup   *Dedup
	recv    Receiver
	metrics *metrics.Metrics
}

// NewMux creates a mux over faces delivering to recv. m may be nil.
func NewMux(recv Receiver, dedup *Dedup, m *metrics.Metrics, faces ...Face) *Mux {
	if dedup == nil {
		dedup = NewDedup(0, nil)
	}

	return &Mux{
		faces:   faces,
		dedup:   dedup,
		recv:    recv,
		metrics: m,
	}
}

// Faces returns the names of the attached faces.
func (m *Mux) Faces() []string {
	out := make([]string, len(m.faces))
	for i, f := range m.faces {
		out[i] = f.Name()
	}

	return out
}

// Broadcast sends pkt on every face. A failing face does not keep the
// datagram from the others.
func (m *Mux) Broadcast(pkt []byte) error {
	m.dedup.Mark(pkt)

	var errs error

	for _, f := range m.faces {
		if err := f.Send(pkt); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", f.Name(), err))
		}
	}

	return errs
}

// Send is Broadcast for callers that cannot act on errors.
func (m *Mux) Send(pkt []byte) {
	if err := m.Broadcast(pkt); err != nil {
		logger.Debug("broadcast incomplete", "error", err)
	}
}

// Run runs every face until ctx is done or one of them fails.
func (m *Mux) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, f := range m.faces {
		g.Go(func() error {
			if err := f.Run(ctx, m.deliver); err != nil {
				return fmt.Errorf("face %s: %w", f.Name(), err)
			}

			return nil
		})
	}

	return g.Wait()
}

// Close closes every face and the duplicate filter.
func (m *Mux) Close() error {
	var errs error

	for _, f := range m.faces {
		errs = multierr.Append(errs, f.Close())
	}

	m.dedup.Close()

	return errs
}

// deliver filters duplicates and hands pkt to the receiver.
func (m *Mux) deliver(pkt []byte) {
	if !m.dedup.Check(pkt) {
		if m.metrics != nil {
			m.metrics.PacketsDropped.WithLabelValues("duplicate").Inc()
		}

		return
	}

	m.recv.OnReceive(pkt)
}
