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

// MaxSubsetLength is the maximum number of indices a FETCH_SUBSET request names.
// Even with worst case CBOR encoding, such a request fits into a datagram.
const MaxSubsetLength = 8192

// Request is sent from a receiver to a transmitter, either as a FETCH for a whole
// file or as a FETCH_SUBSET for some of its chunks.
type Request struct {
	Op       uint8
	Session  uint32
	Filename string
	Compress bool
	Indices  []uint32
}

// NewFetchRequest creates a FETCH Request for a whole file. All answers to it
// carry the same session id.
func NewFetchRequest(session uint32, filename string, compress bool) *Request {
	return &Request{
		Op:       FETCH,
		Session:  session,
		Filename: filename,
		Compress: compress,
	}
}

// NewSubsetRequest creates a FETCH_SUBSET Request for the given chunk indices.
func NewSubsetRequest(session uint32, filename string, compress bool, indices []uint32) *Request {
	return &Request{
		Op:       FETCH_SUBSET,
		Session:  session,
		Filename: filename,
		Compress: compress,
		Indices:  indices,
	}
}

func (req Request) SessionID() uint32 {
	return req.Session
}

func (req Request) String() string {
	if req.Op == FETCH_SUBSET {
		return fmt.Sprintf("%s(session=%08x, %q, compress=%t, %v)",
			TypeName(req.Op), req.Session, req.Filename, req.Compress, req.Indices)
	}
	return fmt.Sprintf("%s(session=%08x, %q, compress=%t)", TypeName(req.Op), req.Session, req.Filename, req.Compress)
}

// CheckValid returns an error for a Request which should not be acted upon.
func (req Request) CheckValid() error {
	switch {
	case req.Op != FETCH && req.Op != FETCH_SUBSET:
		return fmt.Errorf("request has unknown operation %x", req.Op)
	case req.Filename == "":
		return fmt.Errorf("request has an empty filename")
	case req.Op == FETCH && len(req.Indices) != 0:
		return fmt.Errorf("FETCH request must not name indices")
	case req.Op == FETCH_SUBSET && len(req.Indices) == 0:
		return fmt.Errorf("FETCH_SUBSET request names no indices")
	case len(req.Indices) > MaxSubsetLength:
		return fmt.Errorf("FETCH_SUBSET request names %d indices, maximum is %d", len(req.Indices), MaxSubsetLength)
	default:
		return nil
	}
}

func (req Request) Marshal(w io.Writer) error {
	if err := req.CheckValid(); err != nil {
		return err
	}

	if _, err := w.Write([]byte{req.Op}); err != nil {
		return err
	}

	fields := uint64(3)
	if req.Op == FETCH_SUBSET {
		fields = 4
	}
	if err := cboring.WriteArrayLength(fields, w); err != nil {
		return err
	}

	if err := cboring.WriteUInt(uint64(req.Session), w); err != nil {
		return err
	}

	if err := cboring.WriteTextString(req.Filename, w); err != nil {
		return err
	}
	if err := cboring.WriteBoolean(req.Compress, w); err != nil {
		return err
	}

	if req.Op == FETCH_SUBSET {
		if err := cboring.WriteArrayLength(uint64(len(req.Indices)), w); err != nil {
			return err
		}
		for _, index := range req.Indices {
			if err := cboring.WriteUInt(uint64(index), w); err != nil {
				return err
			}
		}
	}

	return nil
}

func (req *Request) Unmarshal(r io.Reader) error {
	op, err := readTypeCode(r, FETCH, FETCH_SUBSET)
	if err != nil {
		return err
	}
	req.Op = op

	expected := uint64(3)
	if op == FETCH_SUBSET {
		expected = 4
	}
	if err := readArrayLength(r, expected); err != nil {
		return err
	}

	if req.Session, err = readSession(r); err != nil {
		return err
	}

	if req.Filename, err = cboring.ReadTextString(r); err != nil {
		return fmt.Errorf("reading filename failed: %v", err)
	}
	if req.Compress, err = cboring.ReadBoolean(r); err != nil {
		return fmt.Errorf("reading compress flag failed: %v", err)
	}

	req.Indices = nil
	if op == FETCH_SUBSET {
		l, err := cboring.ReadArrayLength(r)
		if err != nil {
			return err
		} else if l > MaxSubsetLength {
			return fmt.Errorf("FETCH_SUBSET names %d indices, maximum is %d", l, MaxSubsetLength)
		}

		req.Indices = make([]uint32, l)
		for i := range req.Indices {
			if n, err := cboring.ReadUInt(r); err != nil {
				return fmt.Errorf("reading index %d failed: %v", i, err)
			} else if n > math.MaxUint32 {
				return fmt.Errorf("index %d exceeds 32 bit", n)
			} else {
				req.Indices[i] = uint32(n)
			}
		}
	}

	return req.CheckValid()
}
