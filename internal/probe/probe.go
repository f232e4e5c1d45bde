// Package probe listens to a published RTP stream and counts what arrives.
// It is a diagnostic for checking that a source's packets reach this host.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/smazurov/blockparty/internal/streams"
	"golang.org/x/sync/errgroup"
)

// maxDatagram covers any RTP or RTCP packet on an Ethernet link.
const maxDatagram = 1500

// Stats summarizes the packets seen on one stream.
type Stats struct {
	Packets     uint64 `json:"packets"`
	Bytes       uint64 `json:"bytes"`
	SSRC        uint32 `json:"ssrc"`
	PayloadType uint8  `json:"payload_type"`
	Lost        uint64 `json:"lost"`
	Late        uint64 `json:"late"`
	SSRCChanges uint64 `json:"ssrc_changes"`

	SenderReports   uint64 `json:"sender_reports"`
	ReceiverReports uint64 `json:"receiver_reports"`
	Goodbyes        uint64 `json:"goodbyes"`

	ParseErrors uint64    `json:"parse_errors"`
	First       time.Time `json:"first,omitzero"`
	Last        time.Time `json:"last,omitzero"`
}

// Probe accumulates Stats. It is safe for concurrent use.
type Probe struct {
	logger *slog.Logger

	mu       sync.Mutex
	stats    Stats
	haveSeq  bool
	expected uint16
}

// New creates an empty probe.
func New(logger *slog.Logger) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{logger: logger}
}

// Stats returns a copy of the counters.
func (p *Probe) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// HandleRTP accounts one RTP datagram. Sequence gaps count as lost packets,
// packets behind the expected sequence number as late.
func (p *Probe) HandleRTP(buf []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		p.parseError()
		return fmt.Errorf("rtp: %w", err)
	}

	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	s := &p.stats
	if s.Packets > 0 && pkt.SSRC != s.SSRC {
		s.SSRCChanges++
		p.haveSeq = false
	}
	if s.Packets == 0 {
		s.First = now
	}
	s.Packets++
	s.Bytes += uint64(len(buf))
	s.SSRC = pkt.SSRC
	s.PayloadType = pkt.PayloadType
	s.Last = now

	seq := pkt.SequenceNumber
	if !p.haveSeq {
		p.haveSeq = true
		p.expected = seq + 1
		return nil
	}
	switch diff := int16(seq - p.expected); {
	case diff == 0:
		p.expected = seq + 1
	case diff > 0:
		s.Lost += uint64(diff)
		p.expected = seq + 1
	default:
		s.Late++
	}
	return nil
}

// HandleRTCP accounts one RTCP compound datagram.
func (p *Probe) HandleRTCP(buf []byte) error {
	packets, err := rtcp.Unmarshal(buf)
	if err != nil {
		p.parseError()
		return fmt.Errorf("rtcp: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pkt := range packets {
		switch pkt.(type) {
		case *rtcp.SenderReport:
			p.stats.SenderReports++
		case *rtcp.ReceiverReport:
			p.stats.ReceiverReports++
		case *rtcp.Goodbye:
			p.stats.Goodbyes++
		}
	}
	return nil
}

func (p *Probe) parseError() {
	p.mu.Lock()
	p.stats.ParseErrors++
	p.mu.Unlock()
}

// Listen joins the stream described by props and counts packets until ctx
// is done. Multicast addresses are joined on the default interface; for any
// other address the ports are bound on all interfaces.
func (p *Probe) Listen(ctx context.Context, props streams.StreamProperties) error {
	if err := props.Validate(); err != nil {
		return err
	}

	rtpConn, err := listenUDP(props.Address, props.RTPPort)
	if err != nil {
		return err
	}
	rtcpConn, err := listenUDP(props.Address, props.RTCPPort)
	if err != nil {
		rtpConn.Close()
		return err
	}

	p.logger.Info("Probing stream", "stream", props.String())
	return p.Serve(ctx, rtpConn, rtcpConn)
}

// Serve reads from already bound connections until ctx is done and closes
// them on return.
func (p *Probe) Serve(ctx context.Context, rtpConn, rtcpConn *net.UDPConn) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		rtpConn.Close()
		rtcpConn.Close()
		return nil
	})
	g.Go(func() error { return p.read(ctx, rtpConn, "rtp", p.HandleRTP) })
	g.Go(func() error { return p.read(ctx, rtcpConn, "rtcp", p.HandleRTCP) })
	return g.Wait()
}

func (p *Probe) read(ctx context.Context, conn *net.UDPConn, proto string, handle func([]byte) error) error {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read %s: %w", proto, err)
		}
		if err := handle(buf[:n]); err != nil {
			p.logger.Debug("Dropping packet", "proto", proto, "from", from.String(), "error", err)
		}
	}
}

func listenUDP(address string, port int) (*net.UDPConn, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	var (
		conn *net.UDPConn
		err  error
	)
	if ip.IsMulticast() {
		conn, err = net.ListenMulticastUDP("udp", nil, &net.UDPAddr{IP: ip, Port: port})
	} else {
		conn, err = net.ListenUDP("udp", &net.UDPAddr{Port: port})
	}
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", net.JoinHostPort(address, strconv.Itoa(port)), err)
	}
	return conn, nil
}
