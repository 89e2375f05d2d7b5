// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"fmt"
	"io"
	"math"

	"github.com/dtn7/cboring"
)

// readSession reads a CBOR encoded session id.
func readSession(r io.Reader) (uint32, error) {
	n, err := cboring.ReadUInt(r)
	if err != nil {
		return 0, fmt.Errorf("reading session failed: %v", err)
	} else if n > math.MaxUint32 {
		return 0, fmt.Errorf("session %d exceeds 32 bit", n)
	}
	return uint32(n), nil
}

// readArrayLength reads a CBOR array header and checks its length.
func readArrayLength(r io.Reader, expected uint64) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != expected {
		return fmt.Errorf("wrong array length: %d instead of %d", l, expected)
	}
	return nil
}

// OkPacket acknowledges a FETCH request. It announces the number of chunks and the
// size of the streamed (possibly compressed) data.
type OkPacket struct {
	Session uint32
	Chunks  uint64
	Size    uint64
}

// NewOkPacket creates a new OkPacket.
func NewOkPacket(session uint32, chunks, size uint64) *OkPacket {
	return &OkPacket{
		Session: session,
		Chunks:  chunks,
		Size:    size,
	}
}

func (ok OkPacket) SessionID() uint32 {
	return ok.Session
}

func (ok OkPacket) String() string {
	return fmt.Sprintf("OK(session=%08x, chunks=%d, size=%d)", ok.Session, ok.Chunks, ok.Size)
}

func (ok OkPacket) Marshal(w io.Writer) error {
	if _, err := w.Write([]byte{OK}); err != nil {
		return err
	}

	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}
	for _, n := range []uint64{uint64(ok.Session), ok.Chunks, ok.Size} {
		if err := cboring.WriteUInt(n, w); err != nil {
			return err
		}
	}
	return nil
}

func (ok *OkPacket) Unmarshal(r io.Reader) error {
	if _, err := readTypeCode(r, OK); err != nil {
		return err
	}

	if err := readArrayLength(r, 3); err != nil {
		return err
	}

	var err error
	if ok.Session, err = readSession(r); err != nil {
		return err
	}
	if ok.Chunks, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	if ok.Size, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	return nil
}

// EndPacket marks the end of a send round, either a full one or a subset.
type EndPacket struct {
	Session uint32
	Chunks  uint64
}

// NewEndPacket creates a new EndPacket for a file of the given number of chunks.
func NewEndPacket(session uint32, chunks uint64) *EndPacket {
	return &EndPacket{Session: session, Chunks: chunks}
}

func (end EndPacket) SessionID() uint32 {
	return end.Session
}

func (end EndPacket) String() string {
	return fmt.Sprintf("END(session=%08x, chunks=%d)", end.Session, end.Chunks)
}

func (end EndPacket) Marshal(w io.Writer) error {
	if _, err := w.Write([]byte{END}); err != nil {
		return err
	}

	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(end.Session), w); err != nil {
		return err
	}
	return cboring.WriteUInt(end.Chunks, w)
}

func (end *EndPacket) Unmarshal(r io.Reader) error {
	if _, err := readTypeCode(r, END); err != nil {
		return err
	}

	if err := readArrayLength(r, 2); err != nil {
		return err
	}

	var err error
	if end.Session, err = readSession(r); err != nil {
		return err
	}
	end.Chunks, err = cboring.ReadUInt(r)
	return err
}

// RejectPacket is the negative answer to a request, either NOT_FOUND or
// INVALID_REQUEST, together with a human-readable reason. Its session is zero if
// the rejected request could not be parsed.
type RejectPacket struct {
	Session uint32
	Code    uint8
	Reason  string
}

// NewNotFoundPacket creates a NOT_FOUND RejectPacket.
func NewNotFoundPacket(session uint32, reason string) *RejectPacket {
	return &RejectPacket{
		Session: session,
		Code:    NOT_FOUND,
		Reason:  reason,
	}
}

// NewInvalidRequestPacket creates an INVALID_REQUEST RejectPacket.
func NewInvalidRequestPacket(session uint32, reason string) *RejectPacket {
	return &RejectPacket{
		Session: session,
		Code:    INVALID_REQUEST,
		Reason:  reason,
	}
}

func (rp RejectPacket) SessionID() uint32 {
	return rp.Session
}

func (rp RejectPacket) String() string {
	return fmt.Sprintf("%s(session=%08x, %q)", TypeName(rp.Code), rp.Session, rp.Reason)
}

func (rp RejectPacket) Marshal(w io.Writer) error {
	if rp.Code != NOT_FOUND && rp.Code != INVALID_REQUEST {
		return fmt.Errorf("reject packet has invalid code %x", rp.Code)
	}

	if _, err := w.Write([]byte{rp.Code}); err != nil {
		return err
	}

	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(rp.Session), w); err != nil {
		return err
	}
	return cboring.WriteTextString(rp.Reason, w)
}

func (rp *RejectPacket) Unmarshal(r io.Reader) error {
	code, err := readTypeCode(r, NOT_FOUND, INVALID_REQUEST)
	if err != nil {
		return err
	}
	rp.Code = code

	if err := readArrayLength(r, 2); err != nil {
		return err
	}

	if rp.Session, err = readSession(r); err != nil {
		return err
	}
	rp.Reason, err = cboring.ReadTextString(r)
	return err
}
