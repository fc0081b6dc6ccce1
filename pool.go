// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package probemap

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// DefaultPoolSize is the number of Map headers a Pool keeps when NewPool is
// given a non-positive bound.
const DefaultPoolSize = 16

// PoolStats is the allocation tally of a Pool.
type PoolStats struct {
	// Allocs is the number of Maps allocated by Get.
	Allocs uint64
	// Reuses is the number of Maps Get took from the free list.
	Reuses uint64
	// Frees is the number of Maps released to the garbage collector, either
	// by Put when the free list was full or by Close.
	Frees uint64
	// Free is the number of Maps currently on the free list.
	Free int
}

// PoolOption configures a Pool.
type PoolOption interface {
	applyPool(o *poolOptions)
}

type poolOptions struct {
	logger log.Logger
}

type poolLoggerOption struct {
	logger log.Logger
}

func (op poolLoggerOption) applyPool(o *poolOptions) {
	o.logger = op.logger
}

// WithPoolLogger is an option to specify the logger a Pool reports to. By
// default nothing is logged.
func WithPoolLogger(logger log.Logger) PoolOption {
	return poolLoggerOption{logger}
}

// Pool recycles Map headers through a bounded free list. A recycled Map
// keeps its inline small table, so a Get/Put cycle on a map that never grew
// allocates nothing.
//
// A Pool is NOT goroutine-safe.
type Pool[K comparable, V any] struct {
	free   []*Map[K, V]
	bound  int
	logger log.Logger
	stats  PoolStats
}

// NewPool returns a Pool keeping at most bound Maps on its free list.
func NewPool[K comparable, V any](bound int, options ...PoolOption) *Pool[K, V] {
	if bound <= 0 {
		bound = DefaultPoolSize
	}
	o := poolOptions{logger: log.NewNopLogger()}
	for _, op := range options {
		op.applyPool(&o)
	}
	return &Pool[K, V]{
		free:   make([]*Map[K, V], 0, bound),
		bound:  bound,
		logger: o.logger,
	}
}

// Get returns an empty Map initialized with the supplied options, reusing a
// header from the free list when one is available.
func (p *Pool[K, V]) Get(options ...Option[K, V]) *Map[K, V] {
	var m *Map[K, V]
	if n := len(p.free); n > 0 {
		m = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.stats.Reuses++
	} else {
		m = new(Map[K, V])
		p.stats.Allocs++
	}
	m.Init(options...)
	return m
}

// Put closes m and keeps its header for a future Get if the free list has
// room. The caller must not use m afterwards. Ownership of the keys and
// values is not affected: the map only drops its references to them.
func (p *Pool[K, V]) Put(m *Map[K, V]) error {
	if m == nil {
		return errors.Wrap(ErrInvalidArgument, "put nil map")
	}
	if m.pooled {
		return errors.Wrap(ErrInvalidArgument, "map already returned to pool")
	}
	m.Close()
	*m = Map[K, V]{pooled: true}

	if len(p.free) < p.bound {
		p.free = append(p.free, m)
		return nil
	}
	p.stats.Frees++
	level.Debug(p.logger).Log("msg", "free list full, releasing map", "bound", p.bound)
	return nil
}

// Close releases every Map on the free list. The Pool remains usable.
func (p *Pool[K, V]) Close() {
	n := len(p.free)
	clear(p.free)
	p.free = p.free[:0]
	p.stats.Frees += uint64(n)
	level.Debug(p.logger).Log("msg", "released free list", "released", n,
		"allocs", p.stats.Allocs, "reuses", p.stats.Reuses, "frees", p.stats.Frees)
}

// Stats returns the allocation tally of the pool.
func (p *Pool[K, V]) Stats() PoolStats {
	s := p.stats
	s.Free = len(p.free)
	return s
}
