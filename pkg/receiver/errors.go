// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package receiver

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is the cause of a transfer answered by NOT_FOUND.
	ErrNotFound = errors.New("file not found by transmitter")

	// ErrInvalidRequest is the cause of a transfer answered by INVALID_REQUEST.
	ErrInvalidRequest = errors.New("request rejected by transmitter")

	// ErrUnreachable is the cause of a transfer whose FETCH was never answered.
	ErrUnreachable = errors.New("transmitter unreachable")

	// ErrNoData is the cause of a transfer which was acknowledged, but no data
	// followed.
	ErrNoData = errors.New("no data received")

	// ErrRetransmitExhausted is the cause of a transfer with chunks still missing
	// after the last retransmission round.
	ErrRetransmitExhausted = errors.New("retransmission rounds exhausted")
)

// TransferError describes a failed transfer.
type TransferError struct {
	Filename string

	// Phase in which the transfer failed.
	Phase Phase

	Cause error

	// Missing chunk indices, if known.
	Missing []uint32
}

func (err *TransferError) Error() string {
	msg := fmt.Sprintf("transfer of %q failed while %v: %v", err.Filename, err.Phase, err.Cause)
	switch l := len(err.Missing); {
	case l == 0:
	case l <= 16:
		msg += fmt.Sprintf(", missing chunks %v", err.Missing)
	default:
		msg += fmt.Sprintf(", %d missing chunks starting with %v", l, err.Missing[:16])
	}
	return msg
}

func (err *TransferError) Unwrap() error {
	return err.Cause
}
