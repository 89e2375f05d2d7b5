// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package channel

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// memoryInboxSize is the number of datagrams queued per MemoryEndpoint. Further
// datagrams are dropped, like a full socket buffer would do.
const memoryInboxSize = 4096

// MemoryAddr is the address of a MemoryEndpoint.
type MemoryAddr string

func (ma MemoryAddr) Network() string {
	return "memory"
}

func (ma MemoryAddr) String() string {
	return string(ma)
}

// Impairment is applied to each datagram on a MemoryNetwork. It returns the datagram
// to be delivered, which might be altered, or nil to drop it.
type Impairment func(from, to net.Addr, data []byte) []byte

// RandomLoss drops datagrams with probability p, using a seeded PRNG for
// reproducible simulations.
func RandomLoss(p float64, seed int64) Impairment {
	var (
		rng   = rand.New(rand.NewSource(seed))
		mutex sync.Mutex
	)

	return func(_, _ net.Addr, data []byte) []byte {
		mutex.Lock()
		defer mutex.Unlock()

		if rng.Float64() < p {
			return nil
		}
		return data
	}
}

type memoryDatagram struct {
	data []byte
	from net.Addr
}

// MemoryNetwork connects MemoryEndpoints within a single process.
type MemoryNetwork struct {
	endpoints map[MemoryAddr]*MemoryEndpoint
	impair    Impairment
	mutex     sync.RWMutex
}

// NewMemoryNetwork creates an empty, lossless MemoryNetwork.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[MemoryAddr]*MemoryEndpoint),
	}
}

// SetImpairment for all following datagrams. A nil Impairment delivers everything.
func (mn *MemoryNetwork) SetImpairment(impair Impairment) {
	mn.mutex.Lock()
	defer mn.mutex.Unlock()

	mn.impair = impair
}

// Listen creates a new MemoryEndpoint for the given, unused name.
func (mn *MemoryNetwork) Listen(name string) (*MemoryEndpoint, error) {
	mn.mutex.Lock()
	defer mn.mutex.Unlock()

	addr := MemoryAddr(name)
	if _, exists := mn.endpoints[addr]; exists {
		return nil, &ChannelError{Op: "listen", Cause: fmt.Errorf("address %s is already in use", name)}
	}

	me := &MemoryEndpoint{
		network: mn,
		addr:    addr,
		inbox:   make(chan memoryDatagram, memoryInboxSize),
		closed:  make(chan struct{}),
	}
	mn.endpoints[addr] = me
	return me, nil
}

func (mn *MemoryNetwork) deliver(from MemoryAddr, to net.Addr, data []byte) {
	mn.mutex.RLock()
	dest, exists := mn.endpoints[MemoryAddr(to.String())]
	impair := mn.impair
	mn.mutex.RUnlock()

	if !exists {
		return
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	if impair != nil {
		if buf = impair(from, to, buf); buf == nil {
			return
		}
	}

	select {
	case <-dest.closed:
	case dest.inbox <- memoryDatagram{data: buf, from: from}:
	default:
		log.WithFields(log.Fields{
			"from": from,
			"to":   to,
		}).Warn("MemoryEndpoint's inbox is full, dropping datagram")
	}
}

func (mn *MemoryNetwork) remove(addr MemoryAddr) {
	mn.mutex.Lock()
	defer mn.mutex.Unlock()

	delete(mn.endpoints, addr)
}

// MemoryEndpoint is a Channel on a MemoryNetwork.
type MemoryEndpoint struct {
	network *MemoryNetwork
	addr    MemoryAddr
	inbox   chan memoryDatagram

	closed    chan struct{}
	closeOnce sync.Once
}

func (me *MemoryEndpoint) Send(data []byte, addr net.Addr) error {
	select {
	case <-me.closed:
		return ErrClosed
	default:
	}

	me.network.deliver(me.addr, addr, data)
	return nil
}

func (me *MemoryEndpoint) Receive(ctx context.Context, timeout time.Duration) ([]byte, net.Addr, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case dgram := <-me.inbox:
		return dgram.data, dgram.from, nil
	case <-timer.C:
		return nil, nil, ErrTimeout
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-me.closed:
		return nil, nil, ErrClosed
	}
}

func (me *MemoryEndpoint) LocalAddr() net.Addr {
	return me.addr
}

func (me *MemoryEndpoint) Close() error {
	me.closeOnce.Do(func() {
		close(me.closed)
		me.network.remove(me.addr)
	})
	return nil
}

func (me *MemoryEndpoint) String() string {
	return fmt.Sprintf("memory://%s", me.addr)
}
