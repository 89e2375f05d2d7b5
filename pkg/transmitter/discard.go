// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transmitter

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/dtn7/srft/pkg/chunk"
)

// DiscardPolicy decides whether a data packet is suppressed to emulate its loss.
// Only data packets are subject to a DiscardPolicy.
type DiscardPolicy interface {
	Discard(c chunk.Chunk) bool
}

// DiscardFunc adapts a function to a DiscardPolicy.
type DiscardFunc func(c chunk.Chunk) bool

func (f DiscardFunc) Discard(c chunk.Chunk) bool {
	return f(c)
}

// NoDiscard sends every chunk.
var NoDiscard DiscardPolicy = DiscardFunc(func(chunk.Chunk) bool { return false })

// RandomDiscard suppresses each chunk with a fixed probability. It is safe for
// concurrent use.
type RandomDiscard struct {
	probability float64

	rng   *rand.Rand
	mutex sync.Mutex
}

// NewRandomDiscard for a probability between 0.0 and 1.0. The seed makes runs
// reproducible.
func NewRandomDiscard(probability float64, seed int64) (*RandomDiscard, error) {
	if probability < 0 || probability > 1 {
		return nil, fmt.Errorf("discard probability %v is not within [0, 1]", probability)
	}

	return &RandomDiscard{
		probability: probability,
		rng:         rand.New(rand.NewSource(seed)),
	}, nil
}

func (rd *RandomDiscard) Discard(_ chunk.Chunk) bool {
	if rd.probability == 0 {
		return false
	}

	rd.mutex.Lock()
	defer rd.mutex.Unlock()

	return rd.rng.Float64() < rd.probability
}

func (rd *RandomDiscard) String() string {
	return fmt.Sprintf("RandomDiscard(%v)", rd.probability)
}
