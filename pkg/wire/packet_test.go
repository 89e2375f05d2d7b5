// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/dtn7/srft/pkg/chunk"
)

func TestControlPackets(t *testing.T) {
	tests := []struct {
		data []byte
		pkt  Packet
	}{
		{
			[]byte{
				// Type Code:
				0x01,
				// Array of three:
				0x83,
				// Session, 7:
				0x07,
				// Filename, text string "a":
				0x61, 0x61,
				// Compress, false:
				0xF4,
			},
			NewFetchRequest(7, "a", false),
		},
		{
			[]byte{
				// Type Code:
				0x02,
				// Array of four:
				0x84,
				// Session, 0xDEADBEEF:
				0x1A, 0xDE, 0xAD, 0xBE, 0xEF,
				// Filename, text string "a":
				0x61, 0x61,
				// Compress, true:
				0xF5,
				// Indices, array of two:
				0x82, 0x02, 0x05,
			},
			NewSubsetRequest(0xDEADBEEF, "a", true, []uint32{2, 5}),
		},
		{
			[]byte{
				// Type Code:
				0x10,
				// Array of three:
				0x83,
				// Session, 7:
				0x07,
				// Chunks, 10:
				0x0A,
				// Size, 10000:
				0x19, 0x27, 0x10,
			},
			NewOkPacket(7, 10, 10000),
		},
		{
			[]byte{
				// Type Code:
				0x13,
				// Array of two:
				0x82,
				// Session, 7:
				0x07,
				// Chunks, 10:
				0x0A,
			},
			NewEndPacket(7, 10),
		},
		{
			[]byte{
				// Type Code:
				0x11,
				// Array of two:
				0x82,
				// Session, 7:
				0x07,
				// Reason, text string "no":
				0x62, 0x6E, 0x6F,
			},
			NewNotFoundPacket(7, "no"),
		},
		{
			[]byte{
				// Type Code:
				0x12,
				// Array of two:
				0x82,
				// Session, unknown:
				0x00,
				// Reason, empty text string:
				0x60,
			},
			NewInvalidRequestPacket(0, ""),
		},
	}

	for _, test := range tests {
		if data, err := Bytes(test.pkt); err != nil {
			t.Fatal(err)
		} else if !bytes.Equal(data, test.data) {
			t.Fatalf("Serialization of %v resulted in %x, not %x", test.pkt, data, test.data)
		}

		if pkt, err := ParsePacket(test.data); err != nil {
			t.Fatal(err)
		} else if !reflect.DeepEqual(pkt, test.pkt) {
			t.Fatalf("Parsed packet %v differs from %v", pkt, test.pkt)
		}
	}
}

func TestSessionID(t *testing.T) {
	const session = 0x0BADCAFE

	pkts := []SessionPacket{
		NewFetchRequest(session, "a", false),
		NewSubsetRequest(session, "a", false, []uint32{1}),
		NewOkPacket(session, 1, 1),
		NewEndPacket(session, 1),
		NewNotFoundPacket(session, "no"),
		NewInvalidRequestPacket(session, "no"),
		NewDataPacket(session, chunk.New(0, []byte("a"))),
	}

	for _, pkt := range pkts {
		data, err := Bytes(pkt)
		if err != nil {
			t.Fatal(err)
		}

		parsed, err := ParsePacket(data)
		if err != nil {
			t.Fatal(err)
		}
		if sp, ok := parsed.(SessionPacket); !ok {
			t.Fatalf("Parsed %T has no session", parsed)
		} else if id := sp.SessionID(); id != session {
			t.Fatalf("Parsed %v has session %x instead of %x", parsed, id, session)
		}
	}
}

func TestDataPacketLayout(t *testing.T) {
	c := chunk.New(0x01020304, []byte("uff"))

	data, err := Bytes(NewDataPacket(0xA1B2C3D4, c))
	if err != nil {
		t.Fatal(err)
	}

	if l := len(data); l != DataHeaderSize+3 {
		t.Fatalf("DATA packet has %d bytes instead of %d", l, DataHeaderSize+3)
	}
	if data[0] != DATA {
		t.Fatalf("DATA packet has type code %x", data[0])
	}
	if length := data[1:5]; !bytes.Equal(length, []byte{0x00, 0x00, 0x00, 0x03}) {
		t.Fatalf("DATA packet has length field %x", length)
	}
	if session := data[5:9]; !bytes.Equal(session, []byte{0xA1, 0xB2, 0xC3, 0xD4}) {
		t.Fatalf("DATA packet has session field %x", session)
	}
	if index := data[9:13]; !bytes.Equal(index, []byte{0x01, 0x02, 0x03, 0x04}) {
		t.Fatalf("DATA packet has index field %x", index)
	}
	if digest := data[13:29]; !bytes.Equal(digest, c.Digest[:]) {
		t.Fatalf("DATA packet has digest field %x instead of %x", digest, c.Digest)
	}
	if payload := data[DataHeaderSize:]; !bytes.Equal(payload, []byte("uff")) {
		t.Fatalf("DATA packet has payload %x", payload)
	}

	pkt, err := ParsePacket(data)
	if err != nil {
		t.Fatal(err)
	}
	if dp, ok := pkt.(*DataPacket); !ok {
		t.Fatalf("Parsed packet is of type %T", pkt)
	} else if dp.Session != 0xA1B2C3D4 {
		t.Fatalf("Parsed session %x differs", dp.Session)
	} else if !reflect.DeepEqual(dp.Chunk, c) {
		t.Fatalf("Parsed chunk %v differs from %v", dp.Chunk, c)
	}
}

func TestDataPacketDelimiterPayload(t *testing.T) {
	// Payloads resembling other packets or the old text separators must survive.
	payloads := [][]byte{
		{},
		[]byte("0%%%d41d8cd98f00b204e9800998ecf8427e&&&"),
		[]byte("END"),
		{END, 0x82, 0x01, 0x0A},
		bytes.Repeat([]byte{DATA}, 2048),
	}

	for i, payload := range payloads {
		c := chunk.New(uint32(i), payload)
		data, err := Bytes(NewDataPacket(1, c))
		if err != nil {
			t.Fatal(err)
		}

		if pkt, err := ParsePacket(data); err != nil {
			t.Fatal(err)
		} else if dp := pkt.(*DataPacket); !bytes.Equal(dp.Chunk.Payload, payload) {
			t.Fatalf("Payload %d changed: %x", i, dp.Chunk.Payload)
		} else if err := dp.Chunk.Verify(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDataPacketFrameErrors(t *testing.T) {
	data, err := Bytes(NewDataPacket(1, chunk.New(3, []byte("hello world"))))
	if err != nil {
		t.Fatal(err)
	}

	flippedHeader := append([]byte{}, data...)
	flippedHeader[6] ^= 0x01

	tests := map[string][]byte{
		"empty":             {},
		"unknown type":      {0xFF, 0x00},
		"truncated header":  data[:DataHeaderSize-1],
		"truncated payload": data[:len(data)-1],
		"trailing bytes":    append(append([]byte{}, data...), 0x00),
		"flipped header":    flippedHeader,
	}

	for name, test := range tests {
		var frameErr *FrameError
		if _, err := ParsePacket(test); err == nil {
			t.Fatalf("%s: parsing did not error", name)
		} else if !errors.As(err, &frameErr) {
			t.Fatalf("%s: error %v is no FrameError", name, err)
		}
	}
}

func TestDataPacketCorruptPayload(t *testing.T) {
	data, err := Bytes(NewDataPacket(1, chunk.New(3, []byte("hello world"))))
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xFF

	// The frame itself is intact, only the digest does not match.
	pkt, err := ParsePacket(data)
	if err != nil {
		t.Fatal(err)
	}

	var cm *chunk.ChecksumMismatch
	if err := pkt.(*DataPacket).Chunk.Verify(); !errors.As(err, &cm) {
		t.Fatalf("Verify returned %v instead of a ChecksumMismatch", err)
	}
}

func TestRequestInvalid(t *testing.T) {
	tests := map[string]*Request{
		"empty filename":          NewFetchRequest(1, "", false),
		"subset without indices":  NewSubsetRequest(1, "a", false, nil),
		"fetch with indices":      {Op: FETCH, Filename: "a", Indices: []uint32{1}},
		"unknown operation":       {Op: OK, Filename: "a"},
		"too many subset indices": NewSubsetRequest(1, "a", false, make([]uint32, MaxSubsetLength+1)),
	}

	for name, req := range tests {
		if err := req.CheckValid(); err == nil {
			t.Fatalf("%s: CheckValid did not error", name)
		}
		if _, err := Bytes(req); err == nil {
			t.Fatalf("%s: Marshal did not error", name)
		}
	}

	garbage := [][]byte{
		[]byte("GET file.txt"),
		{FETCH},
		{FETCH, 0x83, 0x01, 0x61, 0x61},
		{FETCH, 0x82, 0x61, 0x61, 0xF4},
		{FETCH, 0x84, 0x01, 0x61, 0x61, 0xF4, 0x80},
		{FETCH, 0x83, 0x1B, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x61, 0x61, 0xF4},
		{FETCH_SUBSET, 0x84, 0x01, 0x61, 0x61, 0xF4, 0x80},
		{FETCH_SUBSET, 0x84, 0x01, 0x61, 0x61, 0xF4, 0x81, 0x1B, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
		{NOT_FOUND, 0x62, 0x6E, 0x6F},
	}

	for _, data := range garbage {
		if pkt, err := ParsePacket(data); err == nil {
			t.Fatalf("Parsing %x resulted in %v", data, pkt)
		}
	}
}

func TestMaxSubsetRequestFitsDatagram(t *testing.T) {
	indices := make([]uint32, MaxSubsetLength)
	for i := range indices {
		indices[i] = 0xFFFFFFFF - uint32(i)
	}

	data, err := Bytes(NewSubsetRequest(0xFFFFFFFF, string(bytes.Repeat([]byte("x"), 255)), true, indices))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) > MaxDatagramSize {
		t.Fatalf("Largest FETCH_SUBSET request has %d bytes", len(data))
	}
}
