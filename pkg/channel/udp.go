// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// receiveBufferSize fits every possible UDP datagram.
const receiveBufferSize = 64 * 1024

// UDPChannel is a Channel backed by a UDP socket.
type UDPChannel struct {
	conn *net.UDPConn

	readBuf   []byte
	readMutex sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// ListenUDP binds a new UDPChannel to the given address, e.g., ":5000" or
// "127.0.0.1:0" for an ephemeral port.
func ListenUDP(address string) (*UDPChannel, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, &ChannelError{Op: "listen", Cause: err}
	}

	log.WithField("address", conn.LocalAddr()).Debug("UDP channel bound")

	return &UDPChannel{
		conn:    conn,
		readBuf: make([]byte, receiveBufferSize),
	}, nil
}

// ResolveUDPAddr resolves a peer's address for Send.
func ResolveUDPAddr(address string) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", address)
}

func (uc *UDPChannel) Send(data []byte, addr net.Addr) error {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		var err error
		if udpAddr, err = net.ResolveUDPAddr("udp", addr.String()); err != nil {
			return &ChannelError{Op: "send", Cause: err}
		}
	}

	if _, err := uc.conn.WriteToUDP(data, udpAddr); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return &ChannelError{Op: "send", Cause: err}
	}
	return nil
}

func (uc *UDPChannel) Receive(ctx context.Context, timeout time.Duration) ([]byte, net.Addr, error) {
	uc.readMutex.Lock()
	defer uc.readMutex.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	if err := uc.conn.SetReadDeadline(time.Now().Add(timeout)); errors.Is(err, net.ErrClosed) {
		return nil, nil, ErrClosed
	} else if err != nil {
		return nil, nil, &ChannelError{Op: "receive", Cause: err}
	}

	// A canceled context interrupts the pending read by moving the deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = uc.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	n, from, err := uc.conn.ReadFromUDP(uc.readBuf)
	if err != nil {
		var netErr net.Error
		switch {
		case ctx.Err() != nil:
			return nil, nil, ctx.Err()
		case errors.As(err, &netErr) && netErr.Timeout():
			return nil, nil, ErrTimeout
		case errors.Is(err, net.ErrClosed):
			return nil, nil, ErrClosed
		default:
			return nil, nil, &ChannelError{Op: "receive", Cause: err}
		}
	}

	data := make([]byte, n)
	copy(data, uc.readBuf[:n])
	return data, from, nil
}

func (uc *UDPChannel) LocalAddr() net.Addr {
	return uc.conn.LocalAddr()
}

func (uc *UDPChannel) Close() error {
	uc.closeOnce.Do(func() {
		log.WithField("address", uc.conn.LocalAddr()).Debug("Closing UDP channel")
		uc.closeErr = uc.conn.Close()
	})
	return uc.closeErr
}

func (uc *UDPChannel) String() string {
	return fmt.Sprintf("udp://%v", uc.conn.LocalAddr())
}
