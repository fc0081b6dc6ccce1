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
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var probings = []Probing{ProbePerturbed, ProbeLinear}

// toBuiltinMap returns the elements as a map[K]V. Useful for testing.
func (m *Map[K, V]) toBuiltinMap() map[K]V {
	r := make(map[K]V)
	m.All(func(k K, v V) bool {
		r[k] = v
		return true
	})
	return r
}

// randElement returns the first element found scanning from a random slot.
func (m *Map[K, V]) randElement() (key K, value V, ok bool) {
	if m.used == 0 {
		return key, value, false
	}
	start := rand.Intn(len(m.slots))
	for i := range m.slots {
		if s := &m.slots[(start+i)&(len(m.slots)-1)]; s.state == slotOccupied {
			return s.key, s.value, true
		}
	}
	return key, value, false
}

func constantHash[K comparable](h uint64) Option[K, K] {
	return WithHashFunc[K, K](func(K) uint64 { return h })
}

func TestProbeSeq(t *testing.T) {
	genSeq := func(hash, mask uint64, probing Probing) []uint64 {
		var vals []uint64
		for seq := makeProbeSeq(hash, mask, probing); !seq.done(); seq = seq.next() {
			vals = append(vals, seq.offset)
		}
		return vals
	}

	// Without perturbation the sequences are a single period of the
	// generator.
	require.Equal(t,
		[]uint64{0, 1, 6, 15, 12, 13, 2, 11, 8, 9, 14, 7, 4, 5, 10, 3},
		genSeq(0, 15, ProbePerturbed))
	require.Equal(t,
		[]uint64{14, 15, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13},
		genSeq(14, 15, ProbeLinear))

	// Verify that we touch all of the slots no matter the hash or the
	// capacity.
	hashes := []uint64{0, 1, 5, 0xdeadbeef, ^uint64(0), 1 << 63}
	for i := 0; i < 20; i++ {
		hashes = append(hashes, rand.Uint64())
	}
	for _, probing := range probings {
		for capacity := uint64(MinCapacity); capacity <= 4096; capacity *= 2 {
			for _, h := range hashes {
				vals := genSeq(h, capacity-1, probing)
				require.GreaterOrEqual(t, len(vals), int(capacity))
				seen := make(map[uint64]struct{})
				for _, v := range vals {
					require.Less(t, v, capacity)
					seen[v] = struct{}{}
				}
				require.Len(t, seen, int(capacity), "probing=%s capacity=%d hash=%x", probing, capacity, h)
			}
		}
	}

	// The perturbation phase is bounded by the width of the hash.
	vals := genSeq(^uint64(0), 7, ProbePerturbed)
	require.LessOrEqual(t, len(vals), 8+64/PerturbShift+1)
}

func TestProbingString(t *testing.T) {
	require.Equal(t, "perturbed", ProbePerturbed.String())
	require.Equal(t, "linear", ProbeLinear.String())
	require.Equal(t, "Probing(7)", Probing(7).String())
}

func TestNew(t *testing.T) {
	m := New[int, int]()
	require.EqualValues(t, 0, m.Len())
	require.EqualValues(t, MinCapacity, m.Capacity())
	require.True(t, m.inline())
	require.Equal(t, Stats{}, m.Stats())
}

func TestBasic(t *testing.T) {
	test := func(t *testing.T, m *Map[int, int]) {
		const count = 100

		e := make(map[int]int)
		require.EqualValues(t, 0, m.Len())

		// Non-existent.
		for i := 0; i < count; i++ {
			_, ok := m.Get(i)
			require.False(t, ok)
		}

		// Insert.
		for i := 0; i < count; i++ {
			require.NoError(t, m.Insert(i, i+count))
			e[i] = i + count
			v, ok := m.Get(i)
			require.True(t, ok)
			require.EqualValues(t, i+count, v)
			require.EqualValues(t, i+1, m.Len())
			require.Less(t, invLoadFactor*m.Len(), m.Capacity())
			require.Equal(t, e, m.toBuiltinMap())
		}

		// Insert of an existing key fails.
		for i := 0; i < count; i++ {
			require.ErrorIs(t, m.Insert(i, -1), ErrKeyExists)
			v, ok := m.Get(i)
			require.True(t, ok)
			require.EqualValues(t, i+count, v)
		}
		require.EqualValues(t, count, m.Len())

		// Update.
		for i := 0; i < count; i++ {
			require.NoError(t, m.Upsert(i, i+2*count))
			e[i] = i + 2*count
			v, ok := m.Get(i)
			require.True(t, ok)
			require.EqualValues(t, i+2*count, v)
			require.EqualValues(t, count, m.Len())
			require.Equal(t, e, m.toBuiltinMap())
		}

		// Delete.
		for i := 0; i < count; i++ {
			require.NoError(t, m.Delete(i))
			delete(e, i)
			require.EqualValues(t, count-i-1, m.Len())
			_, ok := m.Get(i)
			require.False(t, ok)
			require.ErrorIs(t, m.Delete(i), ErrNotFound)
			require.Equal(t, e, m.toBuiltinMap())
		}
	}

	for _, probing := range probings {
		t.Run(probing.String(), func(t *testing.T) {
			t.Run("normal", func(t *testing.T) {
				test(t, New[int, int](WithProbing[int, int](probing)))
			})

			t.Run("identity", func(t *testing.T) {
				test(t, New[int, int](WithProbing[int, int](probing),
					WithHasher[int, int](IdentityHasher[int]{})))
			})

			t.Run("degenerate", func(t *testing.T) {
				for _, v := range []uint64{0, ^uint64(0), rand.Uint64()} {
					t.Run(fmt.Sprintf("%016x", v), func(t *testing.T) {
						test(t, New[int, int](WithProbing[int, int](probing), constantHash[int](v)))
					})
				}
			})
		})
	}
}

func TestRandom(t *testing.T) {
	test := func(t *testing.T, m *Map[int, int]) {
		e := make(map[int]int)
		for i := 0; i < 10000; i++ {
			switch r := rand.Float64(); {
			case r < 0.4: // 40% inserts
				k, v := rand.Intn(2000), rand.Int()
				err := m.Insert(k, v)
				if _, exists := e[k]; exists {
					require.ErrorIs(t, err, ErrKeyExists)
				} else {
					require.NoError(t, err)
					e[k] = v
				}
				require.Less(t, invLoadFactor*m.Len(), m.Capacity())
			case r < 0.5: // 10% upserts
				k, v := rand.Intn(2000), rand.Int()
				require.NoError(t, m.Upsert(k, v))
				e[k] = v
			case r < 0.65: // 15% updates
				if k, _, ok := m.randElement(); !ok {
					require.EqualValues(t, 0, m.Len(), e)
				} else {
					v := rand.Int()
					require.NoError(t, m.Upsert(k, v))
					e[k] = v
				}
			case r < 0.85: // 20% deletes
				if k, _, ok := m.randElement(); !ok {
					require.EqualValues(t, 0, m.Len(), e)
				} else {
					require.NoError(t, m.Delete(k))
					delete(e, k)
				}
			case r < 0.95: // 10% lookups
				if k, v, ok := m.randElement(); !ok {
					require.EqualValues(t, 0, m.Len(), e)
				} else {
					require.EqualValues(t, e[k], v)
					got, ok := m.Get(k)
					require.True(t, ok)
					require.EqualValues(t, e[k], got)
				}
			default: // 5% rehash in place and iterate
				m.rehashInPlace()
				require.EqualValues(t, 0, m.Stats().Tombstones)
				require.Equal(t, e, m.toBuiltinMap())
			}
			require.EqualValues(t, len(e), m.Len())
		}
		for k, v := range e {
			got, ok := m.Get(k)
			require.True(t, ok)
			require.EqualValues(t, v, got)
		}
	}

	for _, probing := range probings {
		t.Run(probing.String(), func(t *testing.T) {
			t.Run("normal", func(t *testing.T) {
				test(t, New[int, int](WithProbing[int, int](probing)))
			})

			t.Run("degenerate", func(t *testing.T) {
				if invariants {
					t.Skip("skipped due to slowness under invariants")
				}
				// Only three distinct hashes, so probes walk long runs of slots.
				m := New[int, int](WithProbing[int, int](probing),
					WithHashFunc[int, int](func(k int) uint64 { return uint64(k % 3) }))
				test(t, m)
			})
		})
	}
}

func TestWords(t *testing.T) {
	m := New[string, string](WithHasher[string, string](StringHasher{}))
	words := []string{"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog"}
	for _, w := range words {
		require.NoError(t, m.Insert(w, w))
	}
	require.EqualValues(t, 9, m.Len())

	v, ok := m.Get("fox")
	require.True(t, ok)
	require.Equal(t, "fox", v)

	require.NoError(t, m.Delete("fox"))
	_, ok = m.Get("fox")
	require.False(t, ok)
	require.EqualValues(t, 8, m.Len())

	for _, w := range words {
		if w == "fox" {
			continue
		}
		v, ok := m.Get(w)
		require.True(t, ok)
		require.Equal(t, w, v)
	}
}

func TestTombstones(t *testing.T) {
	for _, probing := range probings {
		t.Run(probing.String(), func(t *testing.T) {
			// All keys land in the same bucket.
			m := New[string, int](WithProbing[string, int](probing),
				WithHashFunc[string, int](func(string) uint64 { return 3 }))
			// Leave enough room that the fourth insert does not rehash.
			require.NoError(t, m.Grow())

			require.NoError(t, m.Insert("first", 1))
			require.NoError(t, m.Insert("second", 2))
			require.NoError(t, m.Insert("third", 3))

			require.NoError(t, m.Delete("second"))
			require.EqualValues(t, 1, m.Stats().Tombstones)

			for k, want := range map[string]int{"first": 1, "third": 3} {
				v, ok := m.Get(k)
				require.True(t, ok, k)
				require.Equal(t, want, v)
			}

			// The fourth key reuses the tombstone left by the second.
			require.NoError(t, m.Insert("fourth", 4))
			require.EqualValues(t, 0, m.Stats().Tombstones)
			require.EqualValues(t, 3, m.Len())

			for k, want := range map[string]int{"first": 1, "third": 3, "fourth": 4} {
				v, ok := m.Get(k)
				require.True(t, ok, k)
				require.Equal(t, want, v)
			}
			_, ok := m.Get("second")
			require.False(t, ok)
			require.ErrorIs(t, m.Delete("second"), ErrNotFound)
		})
	}
}

func TestTombstonesReclaimed(t *testing.T) {
	// Churning through distinct keys while the size stays constant must not
	// fill the table with tombstones.
	for _, probing := range probings {
		t.Run(probing.String(), func(t *testing.T) {
			m := New[int, int](WithProbing[int, int](probing))
			for i := 0; i < 10000; i++ {
				require.NoError(t, m.Insert(i, i))
				if i >= 2 {
					require.NoError(t, m.Delete(i-2))
				}
				require.LessOrEqual(t, invLoadFactor*(m.Len()+m.Stats().Tombstones), m.Capacity())
			}
			require.EqualValues(t, 2, m.Len())
			require.LessOrEqual(t, m.Capacity(), 2*MinCapacity)
		})
	}
}

func TestGrow(t *testing.T) {
	m := New[int, int]()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Insert(i, i*10))
	}
	require.True(t, m.inline())

	for capacity := 2 * MinCapacity; capacity <= 1024; capacity *= 2 {
		require.NoError(t, m.Grow())
		require.EqualValues(t, capacity, m.Capacity())
		require.False(t, m.inline())
		for i := 0; i < 3; i++ {
			v, ok := m.Get(i)
			require.True(t, ok)
			require.EqualValues(t, i*10, v)
		}
	}
	require.Equal(t, [MinCapacity]Slot[int, int]{}, m.small)
}

func TestShrink(t *testing.T) {
	m := New[int, int]()
	require.NoError(t, m.Insert(1, 1))
	err := m.Shrink()
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.EqualValues(t, MinCapacity, m.Capacity())
	require.EqualValues(t, 1, m.Len())

	for i := 2; i <= 16; i++ {
		require.NoError(t, m.Insert(i, i))
	}
	require.EqualValues(t, 64, m.Capacity())

	// 16 entries fit in 64 and 32 slots, but not in 16.
	require.NoError(t, m.Shrink())
	require.EqualValues(t, 32, m.Capacity())
	require.ErrorIs(t, m.Shrink(), ErrInvalidArgument)
	require.EqualValues(t, 32, m.Capacity())
	require.EqualValues(t, 16, m.Len())

	for i := 5; i <= 16; i++ {
		require.NoError(t, m.Delete(i))
	}
	require.NoError(t, m.Shrink())
	require.EqualValues(t, 16, m.Capacity())
	require.NoError(t, m.Shrink())
	require.EqualValues(t, MinCapacity, m.Capacity())
	require.True(t, m.inline())
	require.ErrorIs(t, m.Shrink(), ErrInvalidArgument)

	require.Equal(t, map[int]int{1: 1, 2: 2, 3: 3, 4: 4}, m.toBuiltinMap())
	require.EqualValues(t, 0, m.Stats().Tombstones)
}

func TestShrinkGuard(t *testing.T) {
	for n := 0; n <= 40; n++ {
		m := New[int, int]()
		for i := 0; i < n; i++ {
			require.NoError(t, m.Insert(i, i))
		}
		before := m.toBuiltinMap()
		capacity := m.Capacity()
		err := m.Shrink()
		if invLoadFactor*n > capacity/2 || capacity/2 < MinCapacity {
			require.ErrorIs(t, err, ErrInvalidArgument, "n=%d", n)
			require.EqualValues(t, capacity, m.Capacity())
		} else {
			require.NoError(t, err, "n=%d", n)
			require.EqualValues(t, capacity/2, m.Capacity())
		}
		require.Equal(t, before, m.toBuiltinMap())
	}
}

func TestNext(t *testing.T) {
	m := New[int, int]()
	for i := 0; i < 50; i++ {
		require.NoError(t, m.Insert(i, -i))
	}
	for i := 0; i < 50; i += 5 {
		require.NoError(t, m.Delete(i))
	}

	seen := make(map[int]int)
	var cursor int
	for {
		k, v, next, err := m.Next(cursor)
		if errors.Is(err, Done) {
			require.EqualValues(t, m.Capacity(), next)
			break
		}
		require.NoError(t, err)
		require.Greater(t, next, cursor)
		_, dup := seen[k]
		require.False(t, dup, "key %d visited twice", k)
		seen[k] = v
		cursor = next
	}
	require.Equal(t, m.toBuiltinMap(), seen)
	require.Len(t, seen, 40)

	_, _, _, err := m.Next(-1)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, _, _, err = m.Next(m.Capacity() + 1)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, _, _, err = m.Next(m.Capacity())
	require.ErrorIs(t, err, Done)
}

func TestIterateMutate(t *testing.T) {
	m := New[int, int]()
	for i := 0; i < 100; i++ {
		require.NoError(t, m.Insert(i, i))
	}
	e := m.toBuiltinMap()
	require.EqualValues(t, 100, m.Len())
	require.EqualValues(t, 100, len(e))

	// Iterate over the map, resizing it periodically. We should see all of
	// the elements that were originally in the map because All takes a
	// snapshot of the slots before iterating.
	vals := make(map[int]int)
	m.All(func(k, v int) bool {
		if (k % 10) == 0 {
			require.NoError(t, m.Grow())
		}
		vals[k] = v
		return true
	})
	require.EqualValues(t, e, vals)
}

func TestClear(t *testing.T) {
	m := New[int, int]()
	for i := 0; i < 1000; i++ {
		require.NoError(t, m.Insert(i, i))
	}
	require.NoError(t, m.Delete(7))

	capacity := m.Capacity()
	m.Clear()
	require.EqualValues(t, 0, m.Len())
	require.EqualValues(t, 0, m.Stats().Tombstones)
	require.EqualValues(t, capacity, m.Capacity())

	m.All(func(k, v int) bool {
		require.Fail(t, "should not iterate")
		return true
	})
}

func TestRehashInPlace(t *testing.T) {
	for _, probing := range probings {
		t.Run(probing.String(), func(t *testing.T) {
			m := New[int, int](WithProbing[int, int](probing),
				WithHashFunc[int, int](func(k int) uint64 { return uint64(k % 5) }))
			require.NoError(t, m.Grow())
			require.NoError(t, m.Grow())
			for i := 0; i < 15; i++ {
				require.NoError(t, m.Insert(i, i))
			}
			for i := 0; i < 15; i += 2 {
				require.NoError(t, m.Delete(i))
			}
			e := m.toBuiltinMap()
			capacity := m.Capacity()

			m.rehashInPlace()
			require.EqualValues(t, 0, m.Stats().Tombstones)
			require.EqualValues(t, capacity, m.Capacity())
			require.Equal(t, e, m.toBuiltinMap())
			for k, v := range e {
				got, ok := m.Get(k)
				require.True(t, ok)
				require.EqualValues(t, v, got)
			}
		})
	}
}

func TestStats(t *testing.T) {
	m := New[int, int](constantHash[int](0))
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Insert(i, i))
	}
	// Each key probes past all of the previous ones.
	require.Equal(t, Stats{InsertCollisions: 3, RecentInsertCollisions: 3}, m.Stats())

	_, ok := m.Get(2)
	require.True(t, ok)
	require.EqualValues(t, 2, m.Stats().SearchCollisions)

	// The fourth insert grows the table, which resets the recent counter.
	require.NoError(t, m.Insert(3, 3))
	require.EqualValues(t, 2*MinCapacity, m.Capacity())
	require.EqualValues(t, 6, m.Stats().InsertCollisions)
	require.EqualValues(t, 0, m.Stats().RecentInsertCollisions)
}

func TestSetFuncs(t *testing.T) {
	m := New[string, int]()
	require.ErrorIs(t, m.SetHashFunc(nil), ErrInvalidArgument)
	require.ErrorIs(t, m.SetEqualFunc(nil), ErrInvalidArgument)

	lower := func(s string) string {
		b := []byte(s)
		for i, c := range b {
			if 'A' <= c && c <= 'Z' {
				b[i] = c + 'a' - 'A'
			}
		}
		return string(b)
	}
	require.NoError(t, m.SetHashFunc(func(k string) uint64 { return StringHasher{}.Hash(lower(k)) }))
	require.NoError(t, m.SetEqualFunc(func(a, b string) bool { return lower(a) == lower(b) }))

	require.NoError(t, m.Insert("The", 1))
	require.ErrorIs(t, m.Insert("the", 2), ErrKeyExists)
	v, ok := m.Get("THE")
	require.True(t, ok)
	require.EqualValues(t, 1, v)

	require.ErrorIs(t, m.SetHashFunc(StringHasher{}.Hash), ErrInvalidArgument)
	require.ErrorIs(t, m.SetEqualFunc(StringHasher{}.Equal), ErrInvalidArgument)

	require.NoError(t, m.Delete("tHe"))
	require.NoError(t, m.SetHashFunc(StringHasher{}.Hash))
}

func TestNilFuncOptions(t *testing.T) {
	m := New[int, int](
		WithHashFunc[int, int](nil),
		WithEqualFunc[int, int](nil),
		WithHasher[int, int](nil),
	)
	require.NotNil(t, m.hash)
	require.NotNil(t, m.equal)
	for i := 0; i < 20; i++ {
		require.NoError(t, m.Insert(i, i))
	}
	for i := 0; i < 20; i++ {
		v, ok := m.Get(i)
		require.True(t, ok)
		require.EqualValues(t, i, v)
	}

	// A nil function does not displace one supplied earlier.
	m = New[int, int](
		WithHashFunc[int, int](func(k int) uint64 { return 7 }),
		WithHashFunc[int, int](nil),
	)
	require.EqualValues(t, 7, m.hash(1))
}

func TestZeroKeysAndValues(t *testing.T) {
	m := New[*int, string]()
	require.NoError(t, m.Insert(nil, ""))
	x, y := new(int), new(int)
	require.NoError(t, m.Insert(x, "x"))
	require.NoError(t, m.Insert(y, "y"))

	v, ok := m.Get(nil)
	require.True(t, ok)
	require.Equal(t, "", v)
	v, ok = m.Get(x)
	require.True(t, ok)
	require.Equal(t, "x", v)
	_, ok = m.Get(new(int))
	require.False(t, ok)
}

func TestClosed(t *testing.T) {
	m := New[int, int]()
	require.NoError(t, m.Insert(1, 1))
	m.Close()
	m.Close()

	_, ok := m.Get(1)
	require.False(t, ok)
	require.ErrorIs(t, m.Insert(1, 1), ErrInvalidArgument)
	require.ErrorIs(t, m.Upsert(1, 1), ErrInvalidArgument)
	require.ErrorIs(t, m.Delete(1), ErrNotFound)
	require.ErrorIs(t, m.Grow(), ErrInvalidArgument)
	require.ErrorIs(t, m.Shrink(), ErrInvalidArgument)
	_, _, _, err := m.Next(0)
	require.ErrorIs(t, err, Done)

	m.Init()
	require.NoError(t, m.Insert(1, 1))
	require.EqualValues(t, 1, m.Len())
}

type countingAllocator[K comparable, V any] struct {
	alloc int
	free  int
	// limit is the number of allocations to permit. Zero means unlimited.
	limit int
}

func (a *countingAllocator[K, V]) AllocSlots(n int) ([]Slot[K, V], error) {
	if a.limit > 0 && a.alloc >= a.limit {
		return nil, errors.Errorf("out of memory allocating %d slots", n)
	}
	a.alloc++
	return make([]Slot[K, V], n), nil
}

func (a *countingAllocator[K, V]) FreeSlots(_ []Slot[K, V]) {
	a.free++
}

func TestAllocator(t *testing.T) {
	a := &countingAllocator[int, int]{}
	m := New[int, int](WithAllocator[int, int](a))

	// The small table is inline.
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Insert(i, i))
	}
	require.EqualValues(t, 0, a.alloc)

	for i := 3; i < 100; i++ {
		require.NoError(t, m.Insert(i, i))
	}

	// 16 -> 32 -> 64 -> 128 -> 256
	const expected = 5
	require.EqualValues(t, expected, a.alloc)
	require.EqualValues(t, expected-1, a.free)

	m.Close()

	require.EqualValues(t, expected, a.free)
}

func TestAllocationFailure(t *testing.T) {
	a := &countingAllocator[int, int]{}
	m := New[int, int](WithAllocator[int, int](a))

	// 8 (inline) -> 16 -> 32 holds 15 entries.
	for i := 0; i < 15; i++ {
		require.NoError(t, m.Insert(i, i))
	}
	require.EqualValues(t, 32, m.Capacity())
	require.EqualValues(t, 2, a.alloc)
	a.limit = a.alloc
	e := m.toBuiltinMap()
	stats := m.Stats()

	err := m.Insert(15, 15)
	require.ErrorIs(t, err, ErrAllocationFailure)
	// The failed insert still walked its probe sequence.
	_, skipped := m.find(m.hash(15), 15)
	require.Equal(t, stats.InsertCollisions+skipped, m.Stats().InsertCollisions)
	require.ErrorIs(t, m.Upsert(15, 15), ErrAllocationFailure)
	require.ErrorIs(t, m.Grow(), ErrAllocationFailure)
	require.EqualValues(t, 32, m.Capacity())
	require.EqualValues(t, 15, m.Len())
	require.Equal(t, e, m.toBuiltinMap())
	require.Equal(t, stats.Tombstones, m.Stats().Tombstones)

	// Updating existing keys does not need room.
	require.NoError(t, m.Upsert(3, 30))
	v, ok := m.Get(3)
	require.True(t, ok)
	require.EqualValues(t, 30, v)

	for i := 3; i < 15; i++ {
		require.NoError(t, m.Delete(i))
	}
	require.ErrorIs(t, m.Shrink(), ErrAllocationFailure)
	require.EqualValues(t, 32, m.Capacity())

	a.limit = 0
	require.NoError(t, m.Shrink())
	require.EqualValues(t, 16, m.Capacity())

	// Shrinking back to the inline table needs no allocation.
	a.limit = a.alloc
	require.NoError(t, m.Shrink())
	require.EqualValues(t, MinCapacity, m.Capacity())
	require.True(t, m.inline())
	require.EqualValues(t, 3, a.alloc)
	require.EqualValues(t, 3, a.free)
	require.Equal(t, map[int]int{0: 0, 1: 1, 2: 2}, m.toBuiltinMap())
}

type shortAllocator[K comparable, V any] struct{}

func (shortAllocator[K, V]) AllocSlots(n int) ([]Slot[K, V], error) {
	return make([]Slot[K, V], n/2), nil
}

func (shortAllocator[K, V]) FreeSlots(_ []Slot[K, V]) {}

func TestShortAllocation(t *testing.T) {
	m := New[int, int](WithAllocator[int, int](shortAllocator[int, int]{}))
	require.ErrorIs(t, m.Grow(), ErrAllocationFailure)
	require.EqualValues(t, MinCapacity, m.Capacity())
}

func TestCapacityExhausted(t *testing.T) {
	m := New[int, int]()
	// Fill every slot behind the map's back; place must give up once the
	// probe sequence has covered the table.
	for i := range m.slots {
		m.slots[i] = Slot[int, int]{state: slotOccupied, key: -i - 1, hash: uint64(i)}
	}
	err := m.place(m.hash(1), 1, 1)
	require.ErrorIs(t, err, ErrCapacityExhausted)

	// Lookups terminate as well.
	m.used = len(m.slots)
	_, ok := m.Get(1)
	require.False(t, ok)
}

func TestSlotStateString(t *testing.T) {
	var states []string
	for _, s := range []slotState{slotEmpty, slotOccupied, slotTombstone, slotPending, 9} {
		states = append(states, s.String())
	}
	sort.Strings(states)
	require.Equal(t, []string{"empty", "occupied", "pending", "slotState(9)", "tombstone"}, states)
}

func TestDebugString(t *testing.T) {
	m := New[int, int]()
	require.NoError(t, m.Insert(1, 1))
	require.NoError(t, m.Insert(2, 2))
	require.NoError(t, m.Delete(2))
	s := m.debugString()
	require.Contains(t, s, "capacity=8  used=1  tombstones=1")
	require.Contains(t, s, "tombstone")
}
