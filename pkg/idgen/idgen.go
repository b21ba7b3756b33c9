package idgen

import "sync/atomic"

// Generation is a monotonically increasing token. Work started under one
// generation is stale as soon as the generation moves on.
// The zero value is ready to use, and its current generation is 0.
type Generation struct {
	current atomic.Uint64
}

// Next invalidates all outstanding tokens and returns a new one
func (g *Generation) Next() uint64 {
	return g.current.Add(1)
}

func (g *Generation) Current() uint64 {
	return g.current.Load()
}

// IsCurrent is true if no newer token has been issued since 'token'
func (g *Generation) IsCurrent(token uint64) bool {
	return g.current.Load() == token
}
