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
	"hash/maphash"

	"github.com/cespare/xxhash/v2"
)

// Hasher hashes keys and compares them for equality. Keys that are Equal
// must have the same Hash.
type Hasher[K any] interface {
	Hash(key K) uint64
	Equal(a, b K) bool
}

// ComparableHasher is the default Hasher. It hashes any comparable key with
// hash/maphash and compares keys using ==, which is pointer equality for
// pointer keys.
type ComparableHasher[K comparable] struct {
	seed maphash.Seed
}

// MakeComparableHasher returns a ComparableHasher with a random seed.
func MakeComparableHasher[K comparable]() ComparableHasher[K] {
	return ComparableHasher[K]{seed: maphash.MakeSeed()}
}

func (h ComparableHasher[K]) Hash(key K) uint64 {
	return maphash.Comparable(h.seed, key)
}

func (ComparableHasher[K]) Equal(a, b K) bool {
	return a == b
}

// StringHasher hashes string keys with xxhash. Unlike ComparableHasher it is
// unseeded, so hashes are stable across processes.
type StringHasher struct{}

func (StringHasher) Hash(key string) uint64 {
	return xxhash.Sum64String(key)
}

func (StringHasher) Equal(a, b string) bool {
	return a == b
}

type integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// IdentityHasher uses an integer key as its own hash. Use it with
// ProbePerturbed: the perturbation feeds the high bits of the key into the
// probe sequence, which linear probing would ignore.
type IdentityHasher[K integer] struct{}

func (IdentityHasher[K]) Hash(key K) uint64 {
	return uint64(key)
}

func (IdentityHasher[K]) Equal(a, b K) bool {
	return a == b
}

// funcHasher adapts a pair of functions to the Hasher interface.
type funcHasher[K any] struct {
	hash  func(key K) uint64
	equal func(a, b K) bool
}

func (h funcHasher[K]) Hash(key K) uint64 {
	return h.hash(key)
}

func (h funcHasher[K]) Equal(a, b K) bool {
	return h.equal(a, b)
}
