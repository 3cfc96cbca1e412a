// Package idgenerator hands out connection identifiers.
package idgenerator

import "sync/atomic"

// IdGenerator returns increasing uint32 ids and is safe for concurrent use.
// Zero is never returned, so it can mean "no id" to callers; when the
// counter wraps it continues from 1.
type IdGenerator struct {
	id atomic.Uint32
}

// NewIdGenerator creates a generator whose first Id is startValue+1 (or 1
// when that would be zero).
//
// Parameters:
//   - startValue: Initial counter value
//
// Returns:
//   - A new IdGenerator
func NewIdGenerator(startValue uint32) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next id.
func (g *IdGenerator) Id() uint32 {
	for {
		if id := g.id.Add(1); id != 0 {
			return id
		}
	}
}
