package netio_test

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/dantte-lp/ristbond/internal/netio"
)

func listenUDPLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRISTSenderSendIncrementsCounter(t *testing.T) {
	rx := listenUDPLoopback(t)
	port := uint16(rx.LocalAddr().(*net.UDPAddr).Port)

	s, err := netio.NewRISTSender(netip.Addr{}, netip.MustParseAddr("127.0.0.1"), port)
	if err != nil {
		t.Fatalf("NewRISTSender: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := s.Send(ctx, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 16)
	rx.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := rx.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q, want %q", buf[:n], "hello")
	}

	if got := s.Stats().SentOriginalPackets; got != 1 {
		t.Fatalf("SentOriginalPackets = %d, want 1", got)
	}
}

func TestRISTSenderSendAfterCloseFails(t *testing.T) {
	rx := listenUDPLoopback(t)
	port := uint16(rx.LocalAddr().(*net.UDPAddr).Port)

	s, err := netio.NewRISTSender(netip.Addr{}, netip.MustParseAddr("127.0.0.1"), port)
	if err != nil {
		t.Fatalf("NewRISTSender: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Double close must be safe.
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := s.Send(context.Background(), []byte("x")); err == nil {
		t.Fatal("Send after Close: expected error, got nil")
	}
}

func TestRISTSenderUpdateReceiverReport(t *testing.T) {
	rx := listenUDPLoopback(t)
	port := uint16(rx.LocalAddr().(*net.UDPAddr).Port)

	s, err := netio.NewRISTSender(netip.Addr{}, netip.MustParseAddr("127.0.0.1"), port)
	if err != nil {
		t.Fatalf("NewRISTSender: %v", err)
	}
	defer s.Close()

	if s.Stats().RRHaveReport {
		t.Fatal("RRHaveReport should be false before any report")
	}

	s.UpdateReceiverReport(42*time.Millisecond, 3, 100, 0.02)

	stats := s.Stats()
	if !stats.RRHaveReport {
		t.Fatal("RRHaveReport should be true after UpdateReceiverReport")
	}
	if stats.RoundTripTime != 42*time.Millisecond {
		t.Fatalf("RoundTripTime = %v, want 42ms", stats.RoundTripTime)
	}
	if stats.SentRetransmittedPackets != 3 {
		t.Fatalf("SentRetransmittedPackets = %d, want 3", stats.SentRetransmittedPackets)
	}
	if stats.RRPacketsReceived != 100 {
		t.Fatalf("RRPacketsReceived = %d, want 100", stats.RRPacketsReceived)
	}
	if stats.RRFractionLost != 0.02 {
		t.Fatalf("RRFractionLost = %v, want 0.02", stats.RRFractionLost)
	}
}
