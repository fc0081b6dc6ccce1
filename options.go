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

// Option provide an interface to do work on Map while it is being created.
type Option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

type hasherOption[K comparable, V any] struct {
	hasher Hasher[K]
}

func (op hasherOption[K, V]) apply(m *Map[K, V]) {
	if op.hasher == nil {
		return
	}
	m.hash = op.hasher.Hash
	m.equal = op.hasher.Equal
}

// WithHasher is an option to specify the hash and equality functions to use
// for a Map[K,V]. A nil hasher leaves the defaults in place.
func WithHasher[K comparable, V any](hasher Hasher[K]) Option[K, V] {
	return hasherOption[K, V]{hasher}
}

type hashFuncOption[K comparable, V any] struct {
	hash func(key K) uint64
}

func (op hashFuncOption[K, V]) apply(m *Map[K, V]) {
	if op.hash != nil {
		m.hash = op.hash
	}
}

// WithHashFunc is an option to specify only the hash function for a
// Map[K,V]. The equality function is left as is. A nil function is ignored.
func WithHashFunc[K comparable, V any](hash func(key K) uint64) Option[K, V] {
	return hashFuncOption[K, V]{hash}
}

type equalFuncOption[K comparable, V any] struct {
	equal func(a, b K) bool
}

func (op equalFuncOption[K, V]) apply(m *Map[K, V]) {
	if op.equal != nil {
		m.equal = op.equal
	}
}

// WithEqualFunc is an option to specify only the equality function for a
// Map[K,V]. Keys that are equal must hash identically. A nil function is
// ignored.
func WithEqualFunc[K comparable, V any](equal func(a, b K) bool) Option[K, V] {
	return equalFuncOption[K, V]{equal}
}

type probingOption[K comparable, V any] struct {
	probing Probing
}

func (op probingOption[K, V]) apply(m *Map[K, V]) {
	m.probing = op.probing
}

// WithProbing is an option to select the probe sequence used by a Map[K,V].
// The default is ProbePerturbed.
func WithProbing[K comparable, V any](probing Probing) Option[K, V] {
	return probingOption[K, V]{probing}
}

// Allocator specifies an interface for allocating and releasing the slot
// arrays used by a Map. The default allocator utilizes Go's builtin make()
// and allows the GC to reclaim memory.
//
// Slot arrays of MinCapacity slots are never requested: they live inline in
// the Map. If the allocator is manually managing memory then Map.Close must
// be called in order to ensure FreeSlots is called.
type Allocator[K comparable, V any] interface {
	// AllocSlots should return a slice equivalent to make([]Slot[K,V], n),
	// or an error if the memory is not available.
	AllocSlots(n int) ([]Slot[K, V], error)

	// FreeSlots can optional release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by AllocSlots.
	FreeSlots(v []Slot[K, V])
}

type defaultAllocator[K comparable, V any] struct{}

func (defaultAllocator[K, V]) AllocSlots(n int) ([]Slot[K, V], error) {
	return make([]Slot[K, V], n), nil
}

func (defaultAllocator[K, V]) FreeSlots(v []Slot[K, V]) {
}

type allocatorOption[K comparable, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[K,V].
func WithAllocator[K comparable, V any](allocator Allocator[K, V]) Option[K, V] {
	return allocatorOption[K, V]{allocator}
}
