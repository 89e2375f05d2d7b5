// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package wire implements the datagrams exchanged between a receiver and a
// transmitter. Each datagram starts with a one-byte type code, followed by the
// type specific body.
//
// Every packet carries the session id chosen by the receiver for one transfer, so
// late packets of an earlier transfer can be told apart.
//
// Requests and control packets carry small CBOR bodies. Data packets are framed by
// fixed-width fields, followed by exactly the declared number of payload bytes, so a
// payload never needs to be scanned for delimiters:
//
//	+------+--------------+---------------+-------------+------------------+-------+---------+
//	| 0x20 | length (u32) | session (u32) | index (u32) | digest (16 byte) | crc16 | payload |
//	+------+--------------+---------------+-------------+------------------+-------+---------+
package wire

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
)

// Type codes of all known packets.
const (
	FETCH           uint8 = 0x01
	FETCH_SUBSET    uint8 = 0x02
	OK              uint8 = 0x10
	NOT_FOUND       uint8 = 0x11
	INVALID_REQUEST uint8 = 0x12
	END             uint8 = 0x13
	DATA            uint8 = 0x20
)

// MaxDatagramSize is the largest datagram which might be exchanged.
const MaxDatagramSize = 65507

// Packet describes all kinds of datagrams, which have their serialization and
// deserialization in common. Unmarshal consumes the leading type code as well.
type Packet interface {
	Marshal(w io.Writer) error
	Unmarshal(r io.Reader) error
}

// SessionPacket is implemented by all packets, all of which belong to exactly one
// transfer.
type SessionPacket interface {
	Packet
	SessionID() uint32
}

// packets maps the different type codes to an example instance of their type.
var packets = map[uint8]Packet{
	FETCH:           &Request{},
	FETCH_SUBSET:    &Request{},
	OK:              &OkPacket{},
	NOT_FOUND:       &RejectPacket{},
	INVALID_REQUEST: &RejectPacket{},
	END:             &EndPacket{},
	DATA:            &DataPacket{},
}

// TypeName returns a human-readable name for a type code.
func TypeName(typeCode uint8) string {
	switch typeCode {
	case FETCH:
		return "FETCH"
	case FETCH_SUBSET:
		return "FETCH_SUBSET"
	case OK:
		return "OK"
	case NOT_FOUND:
		return "NOT_FOUND"
	case INVALID_REQUEST:
		return "INVALID_REQUEST"
	case END:
		return "END"
	case DATA:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}

// NewPacket creates a new Packet for a given type code.
func NewPacket(typeCode uint8) (pkt Packet, err error) {
	pktType, exists := packets[typeCode]
	if !exists {
		err = fmt.Errorf("no Packet registered for type code %x", typeCode)
		return
	}

	pktElem := reflect.TypeOf(pktType).Elem()
	pkt = reflect.New(pktElem).Interface().(Packet)
	return
}

// ParsePacket decodes a single datagram. Every failure, including trailing bytes
// after the packet, is reported as a *FrameError.
func ParsePacket(data []byte) (pkt Packet, err error) {
	// Absurd CBOR length fields might panic while allocating.
	defer func() {
		if r := recover(); r != nil {
			pkt = nil
			err = newFrameError("decoding panicked", fmt.Errorf("%v", r))
		}
	}()

	if len(data) == 0 {
		err = newFrameError("empty datagram", nil)
		return
	}

	pkt, pktErr := NewPacket(data[0])
	if pktErr != nil {
		err = newFrameError("unknown packet type", pktErr)
		return
	}

	r := bytes.NewReader(data)
	if unmarshalErr := pkt.Unmarshal(r); unmarshalErr != nil {
		err = newFrameError(fmt.Sprintf("malformed %s packet", TypeName(data[0])), unmarshalErr)
		return
	}

	if r.Len() != 0 {
		err = newFrameError(fmt.Sprintf("%d trailing bytes after %s packet", r.Len(), TypeName(data[0])), nil)
	}
	return
}

// Bytes serializes a Packet into a new datagram.
func Bytes(pkt Packet) ([]byte, error) {
	var buf bytes.Buffer
	if err := pkt.Marshal(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readTypeCode reads the leading type code and checks it against the allowed ones.
func readTypeCode(r io.Reader, allowed ...uint8) (uint8, error) {
	var typeCode [1]byte
	if _, err := io.ReadFull(r, typeCode[:]); err != nil {
		return 0, err
	}

	for _, a := range allowed {
		if typeCode[0] == a {
			return typeCode[0], nil
		}
	}
	return 0, fmt.Errorf("type code %x is not one of %x", typeCode[0], allowed)
}
