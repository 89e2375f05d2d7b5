// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package chunk splits a file's byte stream into indexed, fixed-size Chunks and
// joins them back together. Each Chunk carries a Digest of its payload, which is
// computed independently by sender and receiver.
//
//	chunks := chunk.Split(data, 1024)
//	// ... transfer, collecting payloads by index ...
//	data, err := chunk.Join(payloads, len(chunks))
package chunk

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// DigestSize is the fixed width of a Digest in bytes.
const DigestSize = md5.Size

// Digest is the integrity hash of a Chunk's payload.
type Digest [DigestSize]byte

// NewDigest calculates the Digest for the given payload.
func NewDigest(payload []byte) Digest {
	return md5.Sum(payload)
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Chunk is an indexed slice of a file's content.
type Chunk struct {
	Index   uint32
	Digest  Digest
	Payload []byte
}

// New creates a Chunk for a payload and calculates its Digest.
func New(index uint32, payload []byte) Chunk {
	return Chunk{
		Index:   index,
		Digest:  NewDigest(payload),
		Payload: payload,
	}
}

// Verify checks the Chunk's Digest against its payload.
func (c Chunk) Verify() error {
	if actual := NewDigest(c.Payload); actual != c.Digest {
		return &ChecksumMismatch{Index: c.Index, Expected: c.Digest, Actual: actual}
	}
	return nil
}

func (c Chunk) String() string {
	return fmt.Sprintf("Chunk(%d, %d bytes, %v)", c.Index, len(c.Payload), c.Digest)
}

// ChecksumMismatch is returned by Verify for a Chunk whose payload does not match
// its transmitted Digest.
type ChecksumMismatch struct {
	Index    uint32
	Expected Digest
	Actual   Digest
}

func (cm *ChecksumMismatch) Error() string {
	return fmt.Sprintf("chunk %d: checksum mismatch, expected %v, got %v", cm.Index, cm.Expected, cm.Actual)
}

// Count returns the number of Chunks a stream of size bytes is split into.
func Count(size, chunkSize int) int {
	if size <= 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}

// Split partitions data into consecutive Chunks of chunkSize bytes. The last Chunk
// might be shorter. Empty data results in no Chunks. Payloads share data's memory.
func Split(data []byte, chunkSize int) []Chunk {
	if chunkSize <= 0 {
		panic(fmt.Sprintf("chunk: invalid chunk size %d", chunkSize))
	}

	chunks := make([]Chunk, 0, Count(len(data), chunkSize))
	for offset, index := 0, uint32(0); offset < len(data); offset, index = offset+chunkSize, index+1 {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, New(index, data[offset:end]))
	}
	return chunks
}

// Select returns the Chunks for the requested indices in the requested order. The
// file is split again with the same chunkSize, so the Chunks equal those of Split.
// Indices beyond the last Chunk result in an error.
func Select(data []byte, chunkSize int, indices []uint32) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", chunkSize)
	}

	n := Count(len(data), chunkSize)
	chunks := make([]Chunk, 0, len(indices))
	for _, index := range indices {
		if int64(index) >= int64(n) {
			return nil, fmt.Errorf("chunk index %d out of range, file has %d chunks", index, n)
		}

		offset := int(index) * chunkSize
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, New(index, data[offset:end]))
	}
	return chunks, nil
}

// Join concatenates the payloads for the indices 0 up to count-1 in index order.
// A missing index results in an error.
func Join(payloads map[uint32][]byte, count int) ([]byte, error) {
	size := 0
	for i := 0; i < count; i++ {
		payload, ok := payloads[uint32(i)]
		if !ok {
			return nil, fmt.Errorf("chunk %d is missing", i)
		}
		size += len(payload)
	}

	data := make([]byte, 0, size)
	for i := 0; i < count; i++ {
		data = append(data, payloads[uint32(i)]...)
	}
	return data, nil
}
