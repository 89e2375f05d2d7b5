// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package channel provides the unreliable datagram transport both the receiver and
// the transmitter operate on. Datagrams can be dropped, reordered or altered;
// reliability is built on top of this package.
//
// Two implementations exist: UDPChannel for real networks and the MemoryNetwork,
// an in-process network with configurable loss and tampering for simulations.
package channel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrTimeout is returned by Receive if no datagram arrived within the timeout.
var ErrTimeout = errors.New("channel: receive timed out")

// ErrClosed is returned for operations on a closed Channel.
var ErrClosed = errors.New("channel: closed")

// Sender is the sending half of a Channel.
type Sender interface {
	// Send a single datagram to the given address.
	Send(data []byte, addr net.Addr) error
}

// Channel is a datagram endpoint.
type Channel interface {
	Sender

	// Receive blocks until a datagram arrives, the timeout expires or the context is
	// canceled. An expired timeout results in ErrTimeout, a canceled context in the
	// context's error.
	Receive(ctx context.Context, timeout time.Duration) (data []byte, from net.Addr, err error)

	// LocalAddr of this endpoint.
	LocalAddr() net.Addr

	// Close this endpoint. It must not be used afterwards.
	Close() error
}

// ChannelError wraps a failure of the underlying send or receive primitive.
type ChannelError struct {
	Op    string
	Cause error
}

func (err *ChannelError) Error() string {
	return fmt.Sprintf("channel: %s failed: %v", err.Op, err.Cause)
}

func (err *ChannelError) Unwrap() error {
	return err.Cause
}

// IsTimeout checks if an error is a receive timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// SendRetryBackoff is the base delay between two send attempts; it doubles for
// every further attempt.
var SendRetryBackoff = 10 * time.Millisecond

// SendWithRetry sends a datagram and retries failed sends with an exponential
// backoff, up to the given number of attempts. Sending on a closed Channel is not
// retried.
func SendWithRetry(sender Sender, data []byte, addr net.Addr, attempts int) (err error) {
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		if err = sender.Send(data, addr); err == nil || errors.Is(err, ErrClosed) {
			return
		}

		log.WithFields(log.Fields{
			"peer":    addr,
			"attempt": i + 1,
			"error":   err,
		}).Debug("Sending datagram errored, retrying..")

		if i < attempts-1 {
			time.Sleep(time.Duration(math.Pow(2, float64(i))) * SendRetryBackoff)
		}
	}
	return
}
