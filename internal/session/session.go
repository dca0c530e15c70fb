// Package session implements the echo session state machine: sequence
// numbering, send scheduling, reply matching, timeout handling and the
// final statistics hand-off.
//
// The session is a single goroutine servicing three event sources — the
// inbound datagram channel, timer expirations and context cancellation —
// strictly one at a time in arrival order. The reply deadline and the
// next-send schedule are both anchored to the send time of the current
// sequence, so a steady cycle holds whether replies arrive early, late or
// not at all.
package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/postalsys/metro-ping/internal/logging"
	"github.com/postalsys/metro-ping/internal/metrics"
	"github.com/postalsys/metro-ping/internal/stats"
	"github.com/postalsys/metro-ping/internal/transport"
	"github.com/postalsys/metro-ping/internal/wire"
)

// State represents the state of the echo session.
type State int

const (
	// StateIdle means no request has been sent yet.
	StateIdle State = iota
	// StateSending means a request is being built and transmitted.
	StateSending
	// StateWaiting means a request is outstanding and its reply timer is
	// armed.
	StateWaiting
	// StateMatched means the current sequence received its first valid
	// reply.
	StateMatched
	// StateTimedOut means the reply deadline passed with no valid reply.
	StateTimedOut
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSending:
		return "SENDING"
	case StateWaiting:
		return "WAITING"
	case StateMatched:
		return "MATCHED"
	case StateTimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// Reply is the per-reply observation emitted on the first valid match of a
// sequence.
type Reply struct {
	Bytes     int // ICMP header plus payload, IP header excluded
	From      netip.Addr
	Seq       uint16
	TTL       int
	RTTMillis float64
}

// Observer receives per-cycle observations. Implementations must not
// block: they are called from the session goroutine.
type Observer interface {
	// Reply reports the first valid reply for a sequence.
	Reply(r Reply)

	// Timeout reports a sequence whose reply deadline passed with no
	// valid reply.
	Timeout(seq uint16)
}

// payloadFill is the filler byte of the fixed echo payload.
const payloadFill = 'z'

// Config holds echo session parameters.
type Config struct {
	// Ident disambiguates replies belonging to this session. Fixed for
	// the session's lifetime. Ignored on sockets that carry a
	// kernel-assigned identifier; see New.
	Ident uint16

	// PayloadSize is the fixed payload length in bytes.
	PayloadSize int

	// Interval separates consecutive sends, measured from send time.
	Interval time.Duration

	// ReplyTimeout is the reply deadline, measured from send time.
	ReplyTimeout time.Duration
}

// DefaultConfig returns a Config with the classic ping parameters. The
// identifier is derived from the process ID.
func DefaultConfig() Config {
	return Config{
		Ident:        uint16(os.Getpid()),
		PayloadSize:  56,
		Interval:     1 * time.Second,
		ReplyTimeout: 5 * time.Second,
	}
}

// Session is the echo session state machine. All fields are owned by the
// Run goroutine; the statistics accumulator is the only shared state.
type Session struct {
	cfg     Config
	conn    transport.Conn
	obs     Observer
	logger  *slog.Logger
	metrics *metrics.Metrics
	acc     *stats.Accumulator
	payload []byte

	state    State
	seq      uint16 // wraps at 16 bits; only ever incremented
	sendTime time.Time
	replies  int // valid matches for the current sequence

	replyTimer *time.Timer
	sendTimer  *time.Timer

	// now is replaceable in tests.
	now func() time.Time
}

// New creates an echo session over an open connection. When the socket
// carries a kernel-assigned echo identifier (unprivileged datagram sockets
// rewrite the identifier of every outgoing request) it replaces cfg.Ident,
// so that requests are built with the identifier the replies will carry.
func New(cfg Config, conn transport.Conn, obs Observer, logger *slog.Logger, m *metrics.Metrics) *Session {
	if ident, ok := conn.LocalIdent(); ok {
		cfg.Ident = ident
	}
	return &Session{
		cfg:     cfg,
		conn:    conn,
		obs:     obs,
		logger:  logger.With(slog.String(logging.KeyComponent, "session")),
		metrics: m,
		acc:     stats.NewAccumulator(),
		payload: bytes.Repeat([]byte{payloadFill}, cfg.PayloadSize),
		state:   StateIdle,
		now:     time.Now,
	}
}

// State returns the current state. Meaningful only from the Run goroutine
// or after Run returns.
func (s *Session) State() State {
	return s.state
}

// Counters returns the transmitted and received counts so far. Safe to
// call concurrently with Run.
func (s *Session) Counters() (transmitted, received int) {
	return s.acc.Transmitted(), s.acc.Received()
}

// Run drives the session until ctx is cancelled, then finalizes the
// statistics and returns the report. Cancellation is cooperative: no new
// sends are scheduled, counters are left as they stand.
func (s *Session) Run(ctx context.Context) (stats.Report, error) {
	start := s.now()

	s.replyTimer = newStoppedTimer()
	s.sendTimer = newStoppedTimer()
	defer s.replyTimer.Stop()
	defer s.sendTimer.Stop()

	s.startSend()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("session shutting down")
			return s.acc.Finalize(s.now().Sub(start))

		case pkt, ok := <-s.conn.Packets():
			if !ok {
				// Transport is gone; nothing further can be sent or
				// received.
				s.logger.Debug("packet channel closed")
				return s.acc.Finalize(s.now().Sub(start))
			}
			s.handlePacket(pkt)

		case <-s.replyTimer.C:
			s.handleReplyTimeout()

		case <-s.sendTimer.C:
			s.startSend()
		}
	}
}

// startSend transitions to Sending: builds and transmits the next echo
// request, arms the reply timer and enters Waiting.
func (s *Session) startSend() {
	s.state = StateSending
	s.seq++

	hdr := wire.ICMPHeader{
		Type:  wire.ICMPEchoRequest,
		Code:  0,
		Ident: s.cfg.Ident,
		Seq:   s.seq,
	}
	pkt := wire.MarshalEcho(hdr, s.payload)

	s.sendTime = s.now()
	s.replies = 0
	s.acc.Sent()
	s.metrics.PacketsSent.Inc()

	if err := s.conn.Send(pkt); err != nil {
		// Not fatal: the reply timeout will account for the loss.
		if !errors.Is(err, transport.ErrClosed) {
			s.metrics.SendErrors.Inc()
			s.logger.Warn("echo request send failed",
				logging.KeySequence, s.seq,
				logging.KeyError, err)
		}
	} else {
		s.logger.Debug("echo request sent", logging.KeySequence, s.seq)
	}

	s.armReplyTimer()
	s.state = StateWaiting
}

// handlePacket processes one inbound datagram. Datagrams may arrive at any
// time, including before the first send completes; anything that is not
// the first valid reply for the current sequence is dropped without a
// state change.
func (s *Session) handlePacket(pkt transport.Packet) {
	d, err := wire.ParseDatagram(pkt.Data, pkt.TTL)
	if err != nil {
		s.metrics.MalformedDropped.Inc()
		s.logger.Debug("undecodable datagram dropped", logging.KeyError, err)
		return
	}

	at := pkt.At
	if at.IsZero() {
		at = s.now()
	}

	if s.sendTime.IsZero() {
		// Nothing outstanding yet.
		s.metrics.ForeignDropped.Inc()
		return
	}
	if d.ICMP.Type != wire.ICMPEchoReply || d.ICMP.Ident != s.cfg.Ident || d.ICMP.Seq != s.seq {
		s.metrics.ForeignDropped.Inc()
		return
	}
	if at.Sub(s.sendTime) > s.cfg.ReplyTimeout {
		// Past the deadline; if the timeout already fired this is a
		// late straggler and the timer must not be touched.
		s.metrics.StaleDropped.Inc()
		s.logger.Debug("stale reply dropped",
			logging.KeySequence, d.ICMP.Seq,
			logging.KeyElapsed, at.Sub(s.sendTime))
		return
	}

	if s.replies > 0 {
		// Already matched this sequence: drain without statistics or
		// observation.
		s.metrics.Duplicates.Inc()
		s.logger.Debug("duplicate reply drained", logging.KeySequence, d.ICMP.Seq)
		return
	}
	s.replies++
	s.state = StateMatched
	s.stopReplyTimer()

	rtt := at.Sub(s.sendTime)
	rttMS := float64(rtt) / float64(time.Millisecond)
	s.acc.Record(rttMS)
	s.metrics.RepliesReceived.Inc()
	s.metrics.RTTSeconds.Observe(rtt.Seconds())

	src := pkt.Src
	if d.IP != nil {
		src = d.IP.Src
	}
	s.obs.Reply(Reply{
		Bytes:     wire.ICMPHeaderSize + len(d.Payload),
		From:      src,
		Seq:       d.ICMP.Seq,
		TTL:       d.TTL,
		RTTMillis: rttMS,
	})
	s.logger.Debug("reply matched",
		logging.KeyAddress, src,
		logging.KeySequence, d.ICMP.Seq,
		logging.KeyRTT, rtt)

	s.armSendTimer()
}

// handleReplyTimeout fires when the reply deadline passes. A fire for an
// already matched sequence is stale and ignored; that resolves the
// cancel-versus-fire race without cross-goroutine coordination.
func (s *Session) handleReplyTimeout() {
	if s.state != StateWaiting {
		return
	}
	if s.replies == 0 {
		s.state = StateTimedOut
		s.metrics.Timeouts.Inc()
		s.obs.Timeout(s.seq)
		s.logger.Debug("request timed out", logging.KeySequence, s.seq)
	}
	s.armSendTimer()
}

// armReplyTimer arms the reply deadline relative to the current send time.
func (s *Session) armReplyTimer() {
	if s.replyTimer == nil {
		return
	}
	stopAndDrain(s.replyTimer)
	s.replyTimer.Reset(s.sendTime.Add(s.cfg.ReplyTimeout).Sub(s.now()))
}

// armSendTimer schedules the next send at sendTime+Interval. When the
// deadline has already passed (the timeout path) the timer fires
// immediately.
func (s *Session) armSendTimer() {
	if s.sendTimer == nil {
		return
	}
	stopAndDrain(s.sendTimer)
	s.sendTimer.Reset(s.sendTime.Add(s.cfg.Interval).Sub(s.now()))
}

func (s *Session) stopReplyTimer() {
	if s.replyTimer == nil {
		return
	}
	stopAndDrain(s.replyTimer)
}

// newStoppedTimer returns a timer that will not fire until Reset.
func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	stopAndDrain(t)
	return t
}

// stopAndDrain stops a timer and clears a pending fire. Only safe from the
// goroutine that also receives from the timer's channel.
func stopAndDrain(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
