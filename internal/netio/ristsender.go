package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/dantte-lp/ristbond/internal/telemetry"
)

// ErrSenderClosed indicates a Send was attempted after Close.
var ErrSenderClosed = errors.New("netio: sender closed")

// RISTSender implements telemetry.Sender over a single UDP socket bound to
// one bonded link's (local, peer) address pair.
type RISTSender struct {
	conn   *net.UDPConn
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	stats  telemetry.SessionStats
}

// SenderOption configures optional RISTSender parameters.
type SenderOption func(*RISTSender)

// WithSenderLogger attaches a structured logger. Defaults to slog.Default().
func WithSenderLogger(logger *slog.Logger) SenderOption {
	return func(s *RISTSender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewRISTSender dials a UDP socket from localAddr to peerAddr:port. An
// invalid (zero) localAddr lets the kernel choose the outgoing interface.
func NewRISTSender(localAddr, peerAddr netip.Addr, port uint16, opts ...SenderOption) (*RISTSender, error) {
	raddr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(peerAddr, port))

	var laddr *net.UDPAddr
	if localAddr.IsValid() {
		laddr = net.UDPAddrFromAddrPort(netip.AddrPortFrom(localAddr, 0))
	}

	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial rist sender %s -> %s:%d: %w", localAddr, peerAddr, port, err)
	}

	s := &RISTSender{
		conn:   conn,
		logger: slog.Default().With(slog.String("component", "netio.ristsender"), slog.String("peer", peerAddr.String())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Send writes buf to the underlying UDP socket and counts it as an
// original packet. ctx is honored only via its deadline, since UDP writes
// to a connected socket do not otherwise block.
func (s *RISTSender) Send(ctx context.Context, buf []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSenderClosed
	}
	s.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}

	if _, err := s.conn.Write(buf); err != nil {
		return fmt.Errorf("rist sender write: %w", err)
	}

	s.mu.Lock()
	s.stats.SentOriginalPackets++
	s.mu.Unlock()
	return nil
}

// Stats implements telemetry.Sender.
func (s *RISTSender) Stats() telemetry.SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// UpdateReceiverReport merges freshly observed receiver-side telemetry
// (e.g. from a RIST RTCP-like control channel) into this sender's stats.
// The retransmit counter and RTT are overwritten; the caller is the
// authority on both.
func (s *RISTSender) UpdateReceiverReport(rtt time.Duration, rtxPackets, rrPacketsReceived uint64, fractionLost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.RoundTripTime = rtt
	s.stats.SentRetransmittedPackets = rtxPackets
	s.stats.RRPacketsReceived = rrPacketsReceived
	s.stats.RRFractionLost = fractionLost
	s.stats.RRHaveReport = true
}

// Close closes the underlying socket. Safe to call more than once.
func (s *RISTSender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close rist sender: %w", err)
	}
	return nil
}
