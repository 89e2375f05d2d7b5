// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package receiver fetches files from a transmitter. Each transfer is tracked by a
// Session, which requests missing or corrupt chunks again until the file is
// complete or a retry ceiling is reached. Only complete files are handed to a
// storage.Sink.
package receiver

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/srft/pkg/channel"
	"github.com/dtn7/srft/pkg/chunk"
	"github.com/dtn7/srft/pkg/storage"
	"github.com/dtn7/srft/pkg/wire"
)

const (
	// DefaultTimeout to wait for the next packet.
	DefaultTimeout = 1500 * time.Millisecond

	// DefaultConnectRetries is the number of repeated FETCH requests.
	DefaultConnectRetries = 5

	// DefaultRetransmitRounds is the number of FETCH_SUBSET rounds.
	DefaultRetransmitRounds = 16

	// DefaultChannelRetries is the number of tolerated channel failures.
	DefaultChannelRetries = 3
)

// Config for a Receiver. Zero or negative values are replaced by their defaults,
// thus each ceiling is at least one.
type Config struct {
	// Timeout to wait for the next packet.
	Timeout time.Duration

	// ConnectRetries bounds the repeated FETCH requests.
	ConnectRetries int

	// RetransmitRounds bounds the FETCH_SUBSET rounds.
	RetransmitRounds int

	// ChannelRetries bounds the channel failures within one transfer.
	ChannelRetries int

	// Compress requests the file xz-compressed.
	Compress bool
}

// Result of a successful transfer.
type Result struct {
	Filename string
	Size     int
	Chunks   int
	Rounds   int
}

// Receiver fetches files from a single transmitter, one at a time.
type Receiver struct {
	ch   channel.Channel
	peer net.Addr
	sink storage.Sink
	conf Config

	lastSession uint32
}

// NewReceiver on a bound Channel, fetching from peer and storing into sink. The
// Channel is not closed by the Receiver.
func NewReceiver(ch channel.Channel, peer net.Addr, sink storage.Sink, conf Config) *Receiver {
	if conf.Timeout <= 0 {
		conf.Timeout = DefaultTimeout
	}
	if conf.ConnectRetries <= 0 {
		conf.ConnectRetries = DefaultConnectRetries
	}
	if conf.RetransmitRounds <= 0 {
		conf.RetransmitRounds = DefaultRetransmitRounds
	}
	if conf.ChannelRetries <= 0 {
		conf.ChannelRetries = DefaultChannelRetries
	}

	return &Receiver{
		ch:   ch,
		peer: peer,
		sink: sink,
		conf: conf,
	}
}

// samePeer checks if a datagram was sent by the transmitter.
func (r *Receiver) samePeer(from net.Addr) bool {
	if from == nil {
		return false
	}

	fromUDP, fromOk := from.(*net.UDPAddr)
	peerUDP, peerOk := r.peer.(*net.UDPAddr)
	if fromOk && peerOk {
		return fromUDP.Port == peerUDP.Port && fromUDP.IP.Equal(peerUDP.IP)
	}

	return from.String() == r.peer.String()
}

// nextSession returns a random, nonzero id differing from the previous Fetch's.
func (r *Receiver) nextSession() uint32 {
	id := rand.Uint32()
	for id == 0 || id == r.lastSession {
		id = rand.Uint32()
	}
	r.lastSession = id
	return id
}

func (r *Receiver) send(req *wire.Request) error {
	data, err := wire.Bytes(req)
	if err != nil {
		return err
	}
	return channel.SendWithRetry(r.ch, data, r.peer, r.conf.ChannelRetries)
}

// Fetch a file and hand it to the Sink. A failed transfer results in a
// *TransferError. Canceling the context aborts the transfer.
//
// The timeout runs from the last request or accepted packet. Datagrams of other
// peers or other sessions neither reach the Session nor extend the timeout.
func (r *Receiver) Fetch(ctx context.Context, filename string) (res Result, err error) {
	s := NewSession(r.nextSession(), filename, r.conf.Compress, Limits{
		ConnectRetries:   r.conf.ConnectRetries,
		RetransmitRounds: r.conf.RetransmitRounds,
	})

	logger := log.WithFields(log.Fields{
		"file":    filename,
		"peer":    r.peer,
		"session": fmt.Sprintf("%08x", s.ID()),
	})

	transferErr := func(cause error) error {
		phase := s.Phase()
		if phase == Failed {
			phase = s.FailedIn()
		}
		return &TransferError{
			Filename: filename,
			Phase:    phase,
			Cause:    cause,
			Missing:  s.Missing(),
		}
	}

	logger.Info("Fetching file")

	channelFailures := 0
	deadline := time.Now().Add(r.conf.Timeout)
	for req := s.Start(); !s.Done(); {
		if req != nil {
			logger.WithField("request", req).Debug("Sending request")
			if sendErr := r.send(req); sendErr != nil {
				err = transferErr(sendErr)
				return
			}
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			err = transferErr(ctxErr)
			return
		}

		var (
			data    []byte
			from    net.Addr
			recvErr = channel.ErrTimeout
		)
		if wait := time.Until(deadline); wait > 0 {
			data, from, recvErr = r.ch.Receive(ctx, wait)
		}

		switch {
		case recvErr == nil:
			if !r.samePeer(from) {
				logger.WithField("from", from).Debug("Ignoring datagram from another peer")
				req = nil
				continue
			}

			pkt, parseErr := wire.ParsePacket(data)
			if parseErr != nil {
				logger.WithError(parseErr).Warn("Dropping unparsable datagram")
				req = nil
				continue
			}

			if !s.Owns(pkt) {
				logger.WithField("packet", pkt).Debug("Ignoring packet of another session")
				req = nil
				continue
			}

			req = s.HandlePacket(pkt)
			deadline = time.Now().Add(r.conf.Timeout)

		case channel.IsTimeout(recvErr):
			req = s.HandleTimeout()
			deadline = time.Now().Add(r.conf.Timeout)

		case ctx.Err() != nil:
			err = transferErr(ctx.Err())
			return

		default:
			channelFailures++
			if channelFailures > r.conf.ChannelRetries {
				err = transferErr(recvErr)
				return
			}

			logger.WithError(recvErr).WithField("failures", channelFailures).Warn("Receiving failed, retrying..")
			time.Sleep(time.Duration(math.Pow(2, float64(channelFailures-1))) * channel.SendRetryBackoff)
			req = nil
			deadline = time.Now().Add(r.conf.Timeout)
		}
	}

	if s.Phase() == Failed {
		err = transferErr(s.Err())
		return
	}

	content, assembleErr := s.Assemble()
	if assembleErr != nil {
		err = transferErr(assembleErr)
		return
	}

	if r.conf.Compress {
		if content, err = chunk.Decompress(content); err != nil {
			err = transferErr(fmt.Errorf("decompressing failed: %w", err))
			return
		}
	}

	if persistErr := r.sink.Persist(filename, content); persistErr != nil {
		err = transferErr(fmt.Errorf("persisting failed: %w", persistErr))
		return
	}

	res = Result{
		Filename: filename,
		Size:     len(content),
		Chunks:   s.Chunks(),
		Rounds:   s.Rounds(),
	}

	logger.WithFields(log.Fields{
		"size":   res.Size,
		"chunks": res.Chunks,
		"rounds": res.Rounds,
	}).Info("Fetched file")
	return
}
