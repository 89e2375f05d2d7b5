// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/howeyc/crc16"

	"github.com/dtn7/srft/pkg/chunk"
)

// DataHeaderSize is the size of a DATA packet without its payload.
const DataHeaderSize = 1 + 4 + 4 + 4 + chunk.DigestSize + 2

// MaxPayloadSize is the largest payload fitting into one DATA packet.
const MaxPayloadSize = MaxDatagramSize - DataHeaderSize

var crc16table = crc16.MakeTable(crc16.CCITT)

// DataPacket carries a single Chunk.
//
// The header consists of the type code, the payload length, the session, the chunk
// index, the payload's digest and a CRC-16 over these fields. The CRC only protects the header;
// payload integrity is checked by comparing the digest.
type DataPacket struct {
	Session uint32
	Chunk   chunk.Chunk
}

// NewDataPacket creates a DataPacket for a Chunk.
func NewDataPacket(session uint32, c chunk.Chunk) *DataPacket {
	return &DataPacket{Session: session, Chunk: c}
}

func (dp DataPacket) SessionID() uint32 {
	return dp.Session
}

func (dp DataPacket) String() string {
	return fmt.Sprintf("DATA(session=%08x, %v)", dp.Session, dp.Chunk)
}

func (dp DataPacket) header() [DataHeaderSize]byte {
	var hdr [DataHeaderSize]byte
	hdr[0] = DATA
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(dp.Chunk.Payload)))
	binary.BigEndian.PutUint32(hdr[5:9], dp.Session)
	binary.BigEndian.PutUint32(hdr[9:13], dp.Chunk.Index)
	copy(hdr[13:13+chunk.DigestSize], dp.Chunk.Digest[:])

	crc := crc16.Checksum(hdr[:DataHeaderSize-2], crc16table)
	binary.BigEndian.PutUint16(hdr[DataHeaderSize-2:], crc)
	return hdr
}

func (dp DataPacket) Marshal(w io.Writer) error {
	if l := len(dp.Chunk.Payload); l > MaxPayloadSize {
		return fmt.Errorf("DATA payload of %d bytes exceeds maximum of %d bytes", l, MaxPayloadSize)
	}

	hdr := dp.header()
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(dp.Chunk.Payload); err != nil {
		return err
	}
	return nil
}

func (dp *DataPacket) Unmarshal(r io.Reader) error {
	var hdr [DataHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("DATA header truncated: %w", err)
	} else if hdr[0] != DATA {
		return fmt.Errorf("DATA's type code is wrong: %x instead of %x", hdr[0], DATA)
	}

	crcExpected := binary.BigEndian.Uint16(hdr[DataHeaderSize-2:])
	if crc := crc16.Checksum(hdr[:DataHeaderSize-2], crc16table); crc != crcExpected {
		return fmt.Errorf("DATA header CRC mismatch: %04x instead of %04x", crc, crcExpected)
	}

	length := binary.BigEndian.Uint32(hdr[1:5])
	if length > MaxPayloadSize {
		return fmt.Errorf("DATA declares %d payload bytes, maximum is %d", length, MaxPayloadSize)
	}

	dp.Session = binary.BigEndian.Uint32(hdr[5:9])
	dp.Chunk.Index = binary.BigEndian.Uint32(hdr[9:13])
	copy(dp.Chunk.Digest[:], hdr[13:13+chunk.DigestSize])

	dp.Chunk.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, dp.Chunk.Payload); err != nil {
		return fmt.Errorf("DATA declares %d payload bytes, but fewer are available: %w", length, err)
	}

	return nil
}
