// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package transmitter serves files over a datagram channel. It answers FETCH
// requests by streaming all chunks of a file and FETCH_SUBSET requests by resending
// only the requested chunks.
//
// A Transmitter keeps no state between requests. Which chunks a requester still
// misses is known only to the requester.
package transmitter

import (
	"errors"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/srft/pkg/channel"
	"github.com/dtn7/srft/pkg/chunk"
	"github.com/dtn7/srft/pkg/source"
	"github.com/dtn7/srft/pkg/wire"
)

// DefaultChunkSize is the payload size of a chunk if none was configured.
const DefaultChunkSize = 1024

// DefaultSendAttempts is the number of attempts for each datagram if none was
// configured.
const DefaultSendAttempts = 3

// Config for a Transmitter.
type Config struct {
	// ChunkSize is the payload size of each, except the last, chunk.
	ChunkSize int

	// Discard decides which data packets are suppressed. Nil sends everything.
	Discard DiscardPolicy

	// SendAttempts bounds the retries of a failing send primitive.
	SendAttempts int
}

// Transmitter answers requests for the files of a Source.
type Transmitter struct {
	src  source.Source
	conf Config
}

// NewTransmitter for the given Source. Zero values in the Config are replaced by
// their defaults.
func NewTransmitter(src source.Source, conf Config) (*Transmitter, error) {
	if conf.ChunkSize == 0 {
		conf.ChunkSize = DefaultChunkSize
	}
	if conf.ChunkSize < 1 || conf.ChunkSize > wire.MaxPayloadSize {
		return nil, fmt.Errorf("chunk size %d is not within [1, %d]", conf.ChunkSize, wire.MaxPayloadSize)
	}

	if conf.Discard == nil {
		conf.Discard = NoDiscard
	}
	if conf.SendAttempts < 1 {
		conf.SendAttempts = DefaultSendAttempts
	}

	return &Transmitter{
		src:  src,
		conf: conf,
	}, nil
}

// ChunkSize of this Transmitter.
func (t *Transmitter) ChunkSize() int {
	return t.conf.ChunkSize
}

func (t *Transmitter) send(pkt wire.Packet, peer net.Addr, sender channel.Sender) error {
	data, err := wire.Bytes(pkt)
	if err != nil {
		return err
	}
	return channel.SendWithRetry(sender, data, peer, t.conf.SendAttempts)
}

// content of the requested file as it is split into chunks.
func (t *Transmitter) content(req *wire.Request) ([]byte, error) {
	data, err := t.src.Load(req.Filename)
	if err != nil {
		return nil, err
	}

	if req.Compress {
		return chunk.Compress(data)
	}
	return data, nil
}

// HandleRequest answers a single datagram received from peer. Every answer is sent
// through the given Sender and carries the request's session. Unparsable datagrams
// are answered by INVALID_REQUEST with a zero session. An error is only returned if
// the Sender failed.
func (t *Transmitter) HandleRequest(data []byte, peer net.Addr, sender channel.Sender) error {
	logger := log.WithField("peer", peer)

	pkt, err := wire.ParsePacket(data)
	if err != nil {
		logger.WithError(err).Info("Received an unparsable request")
		return t.send(wire.NewInvalidRequestPacket(0, err.Error()), peer, sender)
	}

	req, ok := pkt.(*wire.Request)
	if !ok {
		logger.WithField("packet", pkt).Info("Received a packet which is no request")
		var session uint32
		if sp, ok := pkt.(wire.SessionPacket); ok {
			session = sp.SessionID()
		}
		return t.send(wire.NewInvalidRequestPacket(session, fmt.Sprintf("%T is no request", pkt)), peer, sender)
	}

	logger = logger.WithField("request", req)
	session := req.Session

	content, err := t.content(req)
	switch {
	case errors.Is(err, source.ErrInvalidName):
		logger.WithError(err).Info("Request names an invalid file")
		return t.send(wire.NewInvalidRequestPacket(session, err.Error()), peer, sender)

	case errors.Is(err, source.ErrNotFound):
		logger.Info("Requested file was not found")
		return t.send(wire.NewNotFoundPacket(session, fmt.Sprintf("file %q not found", req.Filename)), peer, sender)

	case err != nil:
		logger.WithError(err).Warn("Requested file cannot be read")
		return t.send(wire.NewNotFoundPacket(session, fmt.Sprintf("file %q cannot be read", req.Filename)), peer, sender)
	}

	count := chunk.Count(len(content), t.conf.ChunkSize)

	var chunks []chunk.Chunk
	if req.Op == wire.FETCH {
		chunks = chunk.Split(content, t.conf.ChunkSize)
	} else if chunks, err = chunk.Select(content, t.conf.ChunkSize, req.Indices); err != nil {
		logger.WithError(err).Info("Request names unknown chunks")
		return t.send(wire.NewInvalidRequestPacket(session, err.Error()), peer, sender)
	}

	logger.WithFields(log.Fields{
		"size":   len(content),
		"chunks": len(chunks),
	}).Info("Transmitting file")

	if req.Op == wire.FETCH {
		if err := t.send(wire.NewOkPacket(session, uint64(count), uint64(len(content))), peer, sender); err != nil {
			return err
		}
	}

	discarded := 0
	for _, c := range chunks {
		if t.conf.Discard.Discard(c) {
			logger.WithField("chunk", c.Index).Debug("Discarding chunk")
			discarded++
			continue
		}

		if err := t.send(wire.NewDataPacket(session, c), peer, sender); err != nil {
			logger.WithError(err).WithField("chunk", c.Index).Warn("Sending chunk failed")
			return err
		}
	}

	if discarded > 0 {
		logger.WithField("discarded", discarded).Debug("Finished round with discarded chunks")
	}

	// END is sent even if every chunk was discarded, so the round's end is visible.
	return t.send(wire.NewEndPacket(session, uint64(count)), peer, sender)
}
