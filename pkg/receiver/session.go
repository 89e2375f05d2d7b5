// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package receiver

import (
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/srft/pkg/chunk"
	"github.com/dtn7/srft/pkg/wire"
)

// Phase of a Session.
type Phase int

const (
	// Idle is a new Session, before the first request.
	Idle Phase = iota

	// AwaitingOk waits for the answer to a FETCH.
	AwaitingOk

	// Streaming receives the chunks of the first round.
	Streaming

	// AwaitingRetransmit receives the chunks of a FETCH_SUBSET round.
	AwaitingRetransmit

	// Complete holds every chunk; terminal.
	Complete

	// Failed was aborted; terminal.
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case AwaitingOk:
		return "awaiting ok"
	case Streaming:
		return "streaming"
	case AwaitingRetransmit:
		return "awaiting retransmit"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("unknown phase %d", int(p))
	}
}

// Limits bound the retries of a Session.
type Limits struct {
	// ConnectRetries is the number of repeated FETCH requests while awaiting an OK.
	ConnectRetries int

	// RetransmitRounds is the number of FETCH_SUBSET rounds.
	RetransmitRounds int
}

// indexSet of chunk indices.
type indexSet map[uint32]struct{}

func (is indexSet) sorted() []uint32 {
	indices := make([]uint32, 0, len(is))
	for index := range is {
		indices = append(indices, index)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices
}

// Session is the receiving side of a single file transfer. It is a pure state
// machine without any I/O: Start, HandlePacket and HandleTimeout return the next
// request to be sent, or nil if nothing needs to be sent.
//
// All requests of a Session carry its id. Packets answering another id, e.g.,
// leftovers of an earlier transfer, are ignored.
//
// A Session is not safe for concurrent use.
type Session struct {
	id       uint32
	filename string
	compress bool
	limits   Limits

	phase    Phase
	failedIn Phase
	cause    error

	received map[uint32][]byte
	// corrupt indices seen during the first round, which are missing as well
	corrupt indexSet
	// missing indices of the current retransmission round
	missing indexSet

	highest   int64
	announced int64

	connectAttempts int
	rounds          int
}

// NewSession for a file, which is not started yet. The id should be unique among
// the Sessions using the same transmitter.
func NewSession(id uint32, filename string, compress bool, limits Limits) *Session {
	return &Session{
		id:       id,
		filename: filename,
		compress: compress,
		limits:   limits,

		phase: Idle,

		received: make(map[uint32][]byte),
		corrupt:  make(indexSet),
		missing:  make(indexSet),

		highest:   -1,
		announced: -1,
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("Session(%08x, %q, %v)", s.id, s.filename, s.phase)
}

func (s *Session) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"session": fmt.Sprintf("%08x", s.id),
		"file":    s.filename,
		"phase":   s.phase,
	})
}

// ID of this Session, as carried by all its packets.
func (s *Session) ID() uint32 {
	return s.id
}

// Owns checks if a packet belongs to this Session.
func (s *Session) Owns(pkt wire.Packet) bool {
	sp, ok := pkt.(wire.SessionPacket)
	return ok && sp.SessionID() == s.id
}

// Phase of this Session.
func (s *Session) Phase() Phase {
	return s.phase
}

// Done is true for a Complete or Failed Session.
func (s *Session) Done() bool {
	return s.phase == Complete || s.phase == Failed
}

// Err returns the cause of a Failed Session, nil otherwise.
func (s *Session) Err() error {
	return s.cause
}

// FailedIn returns the Phase in which the Session failed.
func (s *Session) FailedIn() Phase {
	return s.failedIn
}

// Rounds returns the number of retransmission rounds requested so far.
func (s *Session) Rounds() int {
	return s.rounds
}

// Chunks returns the number of chunks of the whole file, as far as known.
func (s *Session) Chunks() int {
	return int(s.bound() + 1)
}

// Missing returns the indices still outstanding, in ascending order.
func (s *Session) Missing() []uint32 {
	switch s.phase {
	case AwaitingRetransmit:
		return s.missing.sorted()
	case Failed:
		if len(s.missing) > 0 {
			return s.missing.sorted()
		}
		return nil
	default:
		return s.computeMissing().sorted()
	}
}

// bound is the highest index of the file, -1 for an empty or unknown file.
func (s *Session) bound() int64 {
	if s.announced-1 > s.highest {
		return s.announced - 1
	}
	return s.highest
}

func (s *Session) computeMissing() indexSet {
	missing := make(indexSet)
	for index := range s.corrupt {
		missing[index] = struct{}{}
	}
	for index := int64(0); index <= s.bound(); index++ {
		if _, ok := s.received[uint32(index)]; !ok {
			missing[uint32(index)] = struct{}{}
		}
	}
	return missing
}

func (s *Session) fetchRequest() *wire.Request {
	return wire.NewFetchRequest(s.id, s.filename, s.compress)
}

func (s *Session) fail(cause error) *wire.Request {
	s.logger().WithError(cause).Info("Session failed")

	s.failedIn = s.phase
	s.cause = cause
	s.phase = Failed
	return nil
}

func (s *Session) complete() *wire.Request {
	s.logger().WithFields(log.Fields{
		"chunks": s.Chunks(),
		"rounds": s.rounds,
	}).Info("Session completed")

	s.missing = make(indexSet)
	s.phase = Complete
	return nil
}

// Start the Session by returning the initial FETCH request.
func (s *Session) Start() *wire.Request {
	if s.phase != Idle {
		return nil
	}

	s.phase = AwaitingOk
	s.connectAttempts = 1
	return s.fetchRequest()
}

// HandlePacket updates the Session for a received packet. Packets not owned by this
// Session are ignored.
func (s *Session) HandlePacket(pkt wire.Packet) *wire.Request {
	if s.phase == Idle || s.Done() {
		return nil
	}

	if !s.Owns(pkt) {
		s.logger().WithField("packet", pkt).Debug("Ignoring packet of another session")
		return nil
	}

	switch pkt := pkt.(type) {
	case *wire.RejectPacket:
		if pkt.Code == wire.NOT_FOUND {
			return s.fail(fmt.Errorf("%w: %s", ErrNotFound, pkt.Reason))
		}
		return s.fail(fmt.Errorf("%w: %s", ErrInvalidRequest, pkt.Reason))

	case *wire.OkPacket:
		s.announce(pkt.Chunks)
		if s.phase == AwaitingOk {
			s.logger().WithField("chunks", pkt.Chunks).Debug("Received OK")
			s.phase = Streaming
		}
		return nil

	case *wire.DataPacket:
		if s.phase == AwaitingOk {
			s.logger().Debug("Received data before OK, OK was lost")
			s.phase = Streaming
		}
		s.handleChunk(pkt.Chunk)
		return nil

	case *wire.EndPacket:
		s.announce(pkt.Chunks)
		if s.phase == AwaitingOk {
			s.logger().Debug("Received END before OK, OK was lost")
			s.phase = Streaming
		}
		return s.endRound()

	default:
		s.logger().WithField("packet", pkt).Debug("Ignoring unexpected packet")
		return nil
	}
}

func (s *Session) announce(chunks uint64) {
	if s.announced >= 0 || chunks > 1<<32 {
		return
	}
	s.announced = int64(chunks)

	// The last round was computed from the highest index alone.
	if s.phase == AwaitingRetransmit {
		for index := s.highest + 1; index < s.announced; index++ {
			if _, ok := s.received[uint32(index)]; !ok {
				s.missing[uint32(index)] = struct{}{}
			}
		}
	}
}

func (s *Session) handleChunk(c chunk.Chunk) {
	logger := s.logger().WithField("chunk", c.Index)

	if s.announced >= 0 && int64(c.Index) >= s.announced {
		logger.WithField("chunks", s.announced).Warn("Dropping chunk beyond the announced count")
		return
	}

	if err := c.Verify(); err != nil {
		logger.WithError(err).Warn("Dropping corrupt chunk")

		if _, ok := s.received[c.Index]; !ok && s.phase == Streaming {
			s.corrupt[c.Index] = struct{}{}
			if int64(c.Index) > s.highest {
				s.highest = int64(c.Index)
			}
		}
		return
	}

	switch s.phase {
	case Streaming:
		s.received[c.Index] = c.Payload
		delete(s.corrupt, c.Index)
		if int64(c.Index) > s.highest {
			s.highest = int64(c.Index)
		}

	case AwaitingRetransmit:
		if _, ok := s.missing[c.Index]; !ok {
			logger.Debug("Ignoring unsolicited chunk")
			return
		}
		s.received[c.Index] = c.Payload
		delete(s.missing, c.Index)
	}
}

// endRound is reached by an END or by a timeout treated as an implicit END.
func (s *Session) endRound() *wire.Request {
	switch s.phase {
	case Streaming:
		s.missing = s.computeMissing()
		s.corrupt = make(indexSet)

	case AwaitingRetransmit:

	default:
		return nil
	}

	if len(s.missing) == 0 {
		return s.complete()
	}
	return s.requestMissing()
}

func (s *Session) requestMissing() *wire.Request {
	if s.rounds >= s.limits.RetransmitRounds {
		s.phase = AwaitingRetransmit
		return s.fail(fmt.Errorf("%w after %d rounds, %d chunks missing", ErrRetransmitExhausted, s.rounds, len(s.missing)))
	}

	indices := s.missing.sorted()
	if len(indices) > wire.MaxSubsetLength {
		indices = indices[:wire.MaxSubsetLength]
	}

	s.rounds++
	s.phase = AwaitingRetransmit

	s.logger().WithFields(log.Fields{
		"round":   s.rounds,
		"missing": len(s.missing),
	}).Info("Requesting missing chunks")

	return wire.NewSubsetRequest(s.id, s.filename, s.compress, indices)
}

// HandleTimeout updates the Session after no packet arrived within the timeout.
func (s *Session) HandleTimeout() *wire.Request {
	switch s.phase {
	case AwaitingOk:
		if s.connectAttempts > s.limits.ConnectRetries {
			return s.fail(fmt.Errorf("%w after %d requests", ErrUnreachable, s.connectAttempts))
		}

		s.connectAttempts++
		s.logger().WithField("attempt", s.connectAttempts).Debug("No answer, repeating request")
		return s.fetchRequest()

	case Streaming:
		if len(s.received) == 0 && len(s.corrupt) == 0 {
			switch {
			case s.announced == 0:
				return s.complete()
			case s.announced < 0:
				return s.fail(ErrNoData)
			}
		}

		s.logger().Debug("Timeout while streaming, treating as END")
		return s.endRound()

	case AwaitingRetransmit:
		s.logger().Debug("Timeout while awaiting retransmission, treating as END")
		return s.endRound()

	default:
		return nil
	}
}

// Assemble the file of a Complete Session in index order.
func (s *Session) Assemble() ([]byte, error) {
	if s.phase != Complete {
		return nil, fmt.Errorf("session is %v, not complete", s.phase)
	}
	return chunk.Join(s.received, s.Chunks())
}
