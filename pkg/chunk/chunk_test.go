// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package chunk

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func randomData(t *testing.T, size int) []byte {
	data := make([]byte, size)
	if _, err := rand.New(rand.NewSource(int64(size))).Read(data); err != nil {
		t.Fatal(err)
	}
	return data
}

func TestSplit(t *testing.T) {
	tests := []struct {
		size      int
		chunkSize int
		chunks    int
		lastSize  int
	}{
		{0, 1024, 0, 0},
		{1, 1024, 1, 1},
		{1024, 1024, 1, 1024},
		{2048, 1024, 2, 1024},
		{2049, 1024, 3, 1},
		{10000, 1024, 10, 784},
	}

	for _, test := range tests {
		data := randomData(t, test.size)
		chunks := Split(data, test.chunkSize)

		if l := len(chunks); l != test.chunks {
			t.Fatalf("Splitting %d bytes resulted in %d chunks, not %d", test.size, l, test.chunks)
		}
		if l := Count(test.size, test.chunkSize); l != test.chunks {
			t.Fatalf("Count for %d bytes is %d, not %d", test.size, l, test.chunks)
		}
		if test.chunks == 0 {
			continue
		}

		for i, c := range chunks {
			if c.Index != uint32(i) {
				t.Fatalf("Chunk at position %d has index %d", i, c.Index)
			}
			if err := c.Verify(); err != nil {
				t.Fatal(err)
			}
			if i < len(chunks)-1 && len(c.Payload) != test.chunkSize {
				t.Fatalf("Chunk %d has %d bytes instead of %d", i, len(c.Payload), test.chunkSize)
			}
		}

		if l := len(chunks[len(chunks)-1].Payload); l != test.lastSize {
			t.Fatalf("Last chunk has %d bytes instead of %d", l, test.lastSize)
		}

		payloads := make(map[uint32][]byte)
		for _, c := range chunks {
			payloads[c.Index] = c.Payload
		}
		if joined, err := Join(payloads, len(chunks)); err != nil {
			t.Fatal(err)
		} else if !bytes.Equal(joined, data) {
			t.Fatalf("Joined data differs for %d bytes", test.size)
		}
	}
}

func TestSplitInvalidChunkSize(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("Split with chunk size 0 did not panic")
		}
	}()

	Split([]byte{1, 2, 3}, 0)
}

func TestSelect(t *testing.T) {
	data := randomData(t, 10000)
	all := Split(data, 1024)

	selected, err := Select(data, 1024, []uint32{5, 2, 9})
	if err != nil {
		t.Fatal(err)
	}

	for i, index := range []uint32{5, 2, 9} {
		if selected[i].Index != index {
			t.Fatalf("Selected chunk %d has index %d instead of %d", i, selected[i].Index, index)
		}
		if selected[i].Digest != all[index].Digest || !bytes.Equal(selected[i].Payload, all[index].Payload) {
			t.Fatalf("Selected chunk %d differs from split chunk", index)
		}
	}

	if _, err := Select(data, 1024, []uint32{10}); err == nil {
		t.Fatal("Selecting an out of range index did not error")
	}
	if _, err := Select(nil, 1024, []uint32{0}); err == nil {
		t.Fatal("Selecting from an empty file did not error")
	}
}

func TestVerify(t *testing.T) {
	c := New(7, []byte("hello world"))
	if err := c.Verify(); err != nil {
		t.Fatal(err)
	}

	c.Payload = []byte("hello w0rld")
	err := c.Verify()

	var cm *ChecksumMismatch
	if !errors.As(err, &cm) {
		t.Fatalf("Verify of altered payload returned %v", err)
	} else if cm.Index != 7 {
		t.Fatalf("ChecksumMismatch has index %d instead of 7", cm.Index)
	}
}

func TestDigest(t *testing.T) {
	tests := []struct {
		payload []byte
		hex     string
	}{
		{[]byte{}, "d41d8cd98f00b204e9800998ecf8427e"},
		{[]byte("hello world"), "5eb63bbbe01eeed093cb22bb8f5acdc3"},
	}

	for _, test := range tests {
		if d := NewDigest(test.payload); d.String() != test.hex {
			t.Fatalf("Digest of %q is %v, not %s", test.payload, d, test.hex)
		}
	}
}

func TestJoinMissing(t *testing.T) {
	payloads := map[uint32][]byte{
		0: []byte("foo"),
		2: []byte("baz"),
	}

	if _, err := Join(payloads, 3); err == nil {
		t.Fatal("Join with a missing chunk did not error")
	}

	if data, err := Join(payloads, 1); err != nil {
		t.Fatal(err)
	} else if string(data) != "foo" {
		t.Fatalf("Joined %q", data)
	}

	if data, err := Join(nil, 0); err != nil {
		t.Fatal(err)
	} else if len(data) != 0 {
		t.Fatalf("Joining zero chunks resulted in %d bytes", len(data))
	}
}

func TestCompress(t *testing.T) {
	for _, data := range [][]byte{{}, []byte("hello world"), bytes.Repeat([]byte("abc"), 10000), randomData(t, 5000)} {
		compressed, err := Compress(data)
		if err != nil {
			t.Fatal(err)
		}

		again, err := Compress(data)
		if err != nil {
			t.Fatal(err)
		} else if !bytes.Equal(compressed, again) {
			t.Fatalf("Compressing %d bytes twice differs", len(data))
		}

		if plain, err := Decompress(compressed); err != nil {
			t.Fatal(err)
		} else if !bytes.Equal(plain, data) {
			t.Fatalf("Decompressed data differs for %d bytes", len(data))
		}
	}

	if _, err := Decompress([]byte("no xz stream")); err == nil {
		t.Fatal("Decompressing garbage did not error")
	}
}
