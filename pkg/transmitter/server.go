// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transmitter

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/srft/pkg/channel"
)

const (
	// DefaultPeerIdle is the time after which an inactive peer's worker exits.
	DefaultPeerIdle = 30 * time.Second

	// peerQueueSize is the number of pending requests per peer.
	peerQueueSize = 16

	// pollTimeout bounds each receive, so closing the Server is noticed.
	pollTimeout = 50 * time.Millisecond
)

// peerWorker handles the requests of a single peer in order.
type peerWorker struct {
	peer  net.Addr
	queue chan []byte
}

// Server reads requests from a Channel and hands them to a Transmitter. Each peer
// address gets its own worker, so the packets of one peer's round are never
// interleaved with another round of the same peer, while different peers are
// served concurrently.
type Server struct {
	ch       channel.Channel
	tx       *Transmitter
	peerIdle time.Duration

	// workers maps each peer's address to its peerWorker.
	workers      map[string]*peerWorker
	workersMutex sync.Mutex
	workersWg    sync.WaitGroup

	// stop{Syn,Ack} are used to supervise closing this Server, see Close()
	stopSyn chan struct{}
	stopAck chan struct{}
	started atomic.Bool
}

// NewServer on an already bound Channel. The Channel is not closed by the Server.
func NewServer(ch channel.Channel, tx *Transmitter, peerIdle time.Duration) *Server {
	if peerIdle <= 0 {
		peerIdle = DefaultPeerIdle
	}

	return &Server{
		ch:       ch,
		tx:       tx,
		peerIdle: peerIdle,

		workers: make(map[string]*peerWorker),

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
}

// Start the Server's read loop. Further calls are ignored.
func (serv *Server) Start() {
	if !serv.started.CompareAndSwap(false, true) {
		return
	}

	log.WithFields(log.Fields{
		"address":    serv.ch.LocalAddr(),
		"chunk size": serv.tx.ChunkSize(),
	}).Info("Starting transmitter")

	go serv.handler()
}

func (serv *Server) handler() {
	defer close(serv.stopAck)

	for {
		select {
		case <-serv.stopSyn:
			log.Debug("Transmitter received closing signal")
			serv.workersWg.Wait()
			return

		default:
			data, from, err := serv.ch.Receive(context.Background(), pollTimeout)
			switch {
			case err == nil:
				serv.dispatch(data, from)

			case channel.IsTimeout(err):

			case errors.Is(err, channel.ErrClosed):
				log.Warn("Transmitter's channel was closed, waiting for shutdown")
				<-serv.stopSyn
				serv.workersWg.Wait()
				return

			default:
				log.WithError(err).Warn("Transmitter failed to receive")
			}
		}
	}
}

// dispatch a datagram to its peer's worker, which is created if necessary.
func (serv *Server) dispatch(data []byte, from net.Addr) {
	serv.workersMutex.Lock()
	defer serv.workersMutex.Unlock()

	key := from.String()
	w, exists := serv.workers[key]
	if !exists {
		w = &peerWorker{
			peer:  from,
			queue: make(chan []byte, peerQueueSize),
		}
		serv.workers[key] = w

		log.WithField("peer", from).Debug("Starting worker for new peer")

		serv.workersWg.Add(1)
		go serv.work(w)
	}

	select {
	case w.queue <- data:
	default:
		log.WithField("peer", from).Warn("Peer's request queue is full, dropping request")
	}
}

func (serv *Server) work(w *peerWorker) {
	defer serv.workersWg.Done()

	idle := time.NewTimer(serv.peerIdle)
	defer idle.Stop()

	for {
		select {
		case <-serv.stopSyn:
			return

		case data := <-w.queue:
			if err := serv.tx.HandleRequest(data, w.peer, serv.ch); err != nil {
				log.WithError(err).WithField("peer", w.peer).Warn("Answering request failed")
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(serv.peerIdle)

		case <-idle.C:
			serv.workersMutex.Lock()
			if len(w.queue) == 0 {
				delete(serv.workers, w.peer.String())
				serv.workersMutex.Unlock()

				log.WithField("peer", w.peer).Debug("Stopping idle worker")
				return
			}
			serv.workersMutex.Unlock()
			idle.Reset(serv.peerIdle)
		}
	}
}

// Peers returns the number of peers currently having a worker.
func (serv *Server) Peers() int {
	serv.workersMutex.Lock()
	defer serv.workersMutex.Unlock()

	return len(serv.workers)
}

// Close the Server and wait for all workers to finish their current request. A
// Server which was never started is closed immediately.
func (serv *Server) Close() error {
	close(serv.stopSyn)
	if serv.started.Load() {
		<-serv.stopAck
	}

	log.WithField("address", serv.ch.LocalAddr()).Info("Transmitter stopped")
	return nil
}
