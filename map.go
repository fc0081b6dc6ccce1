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

// package probemap is an open-addressing hash table built for embedding in
// places that create and destroy many small tables. See also:
// https://en.wikipedia.org/wiki/Open_addressing.
//
// # Layout
//
// A Map stores its entries directly in a single slot array whose length is
// a power of two, so that hash%N can be computed as hash&(N-1). Every slot
// is in one of three states: empty, occupied, or a tombstone left behind by
// Delete. The state is stored explicitly in the slot rather than inferred
// from zero keys or values, so the zero value of K and V are ordinary keys
// and values.
//
// A new Map does not allocate a slot array. It uses MinCapacity slots that
// are embedded in the Map itself (the "small table") and only moves to an
// allocated array on its first growth. Combined with Pool, which recycles
// Map headers, creating and destroying a short lived table costs no
// allocations in the steady state.
//
// # Probing
//
// A key is first looked for at hash&mask. On collision the Map walks a
// probe sequence which is either linear or, by default, the perturbed
// sequence also used by CPython's dict:
//
//	perturb >>= PerturbShift
//	i = (5*i + perturb + 1) & mask
//
// See probeSeq for why both sequences visit every slot, which is what
// allows lookups to stop at the first empty slot: insertion always takes
// the first free slot of the sequence, so an entry can never sit behind an
// empty slot on its own sequence.
//
// # Deletion
//
// Deletion replaces the entry with a tombstone. Tombstones never match and
// never stop a probe, so entries placed beyond a deleted slot remain
// reachable. Inserting a key that is known to be absent reuses the first
// tombstone on its sequence. Tombstones count towards the load of the
// table; when too many accumulate they are dropped by rehashing, in place
// if that recovers enough of the table and by growing otherwise.
//
// # Load factor
//
// The table is kept at most half full: an insert that would bring the
// number of entries to half the capacity first doubles the capacity. Shrink
// halves the capacity but refuses to when the entries would exceed half of
// the new capacity.
package probemap

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const (
	debug = false

	// MinCapacity is the capacity of a new Map and the size of the inline
	// small table. Shrink never goes below it.
	MinCapacity = 8

	// invLoadFactor is the inverse of the maximum load factor.
	invLoadFactor = 2
)

type slotState uint8

const (
	slotEmpty slotState = iota
	slotOccupied
	slotTombstone
	// slotPending marks an entry that has not been moved yet during
	// rehashInPlace. It never survives a call to rehashInPlace.
	slotPending
)

func (s slotState) String() string {
	switch s {
	case slotEmpty:
		return "empty"
	case slotOccupied:
		return "occupied"
	case slotTombstone:
		return "tombstone"
	case slotPending:
		return "pending"
	default:
		return fmt.Sprintf("slotState(%d)", uint8(s))
	}
}

// Slot holds a key and value along with the hash of the key.
type Slot[K comparable, V any] struct {
	hash  uint64
	state slotState
	key   K
	value V
}

// Stats holds diagnostic counters for a Map. They have no effect on its
// behavior. The collision counters record every probe walked, including the
// walk of an Insert or Upsert that then fails with ErrAllocationFailure.
type Stats struct {
	// InsertCollisions counts slots skipped by Insert and Upsert while
	// looking for the key.
	InsertCollisions uint64
	// SearchCollisions counts slots skipped by Get and Delete.
	SearchCollisions uint64
	// RecentInsertCollisions is InsertCollisions since the last resize or
	// rehash.
	RecentInsertCollisions uint64
	// Tombstones is the number of deleted slots not yet reclaimed.
	Tombstones int
}

// Map is an unordered map from keys to values with Get, Insert, Upsert,
// Delete, and All operations. By default a Map[K,V] hashes keys with
// hash/maphash and compares them with ==, though different functions can be
// specified using the WithHasher, WithHashFunc and WithEqualFunc options.
//
// The zero value for a Map is not usable; use New, Init or Pool.Get. A Map
// must not be copied after it is initialized, as its slots may live inside
// the Map itself.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	hash  func(key K) uint64
	equal func(a, b K) bool
	// The allocator to use for slot arrays larger than MinCapacity.
	allocator Allocator[K, V]
	probing   Probing
	// slots is either small[:] or an array obtained from allocator. Its
	// length is the capacity of the map and is always a power of 2.
	slots []Slot[K, V]
	small [MinCapacity]Slot[K, V]
	// The number of occupied slots (i.e. the number of elements in the map).
	used int
	// The number of tombstoned slots.
	tombstones int

	insertCollisions       uint64
	searchCollisions       uint64
	recentInsertCollisions uint64

	// pooled is set while the map sits on a Pool's free list.
	pooled bool
}

// New constructs a new Map with MinCapacity slots held inline.
func New[K comparable, V any](options ...Option[K, V]) *Map[K, V] {
	m := &Map[K, V]{}
	m.Init(options...)
	return m
}

// Init initializes a Map, discarding any previous contents. The map must
// either be the zero value or have been closed.
func (m *Map[K, V]) Init(options ...Option[K, V]) {
	hasher := MakeComparableHasher[K]()
	*m = Map[K, V]{
		hash:      hasher.Hash,
		equal:     hasher.Equal,
		allocator: defaultAllocator[K, V]{},
		probing:   ProbePerturbed,
	}

	for _, op := range options {
		op.apply(m)
	}

	m.slots = m.small[:]
	m.checkInvariants()
}

// Close closes the map, releasing any memory back to its configured
// allocator. It is unnecessary to close a map using the default allocator
// unless it is destined for a Pool. It is invalid to use a Map after it has
// been closed, though Close itself is idempotent.
func (m *Map[K, V]) Close() {
	if m.slots != nil && !m.inline() {
		m.allocator.FreeSlots(m.slots)
	}
	m.slots = nil
	clear(m.small[:])
	m.used = 0
	m.tombstones = 0
	m.allocator = nil
}

// Get retrieves the value from the map for the specified key, return ok=false
// if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	if m.used == 0 {
		return value, false
	}
	s, skipped := m.find(m.hash(key), key)
	m.searchCollisions += skipped
	if s == nil {
		return value, false
	}
	return s.value, true
}

// Insert adds an entry to the map. If an entry with the same key already
// exists the map is left unchanged and ErrKeyExists is returned.
func (m *Map[K, V]) Insert(key K, value V) error {
	return m.put(key, value, false /* replace */)
}

// Upsert inserts an entry into the map, overwriting the value if an entry
// with the same key already exists. It only fails if the map needed to grow
// and could not.
func (m *Map[K, V]) Upsert(key K, value V) error {
	return m.put(key, value, true /* replace */)
}

func (m *Map[K, V]) put(key K, value V, replace bool) error {
	if m.slots == nil {
		return errors.Wrap(ErrInvalidArgument, "map is not initialized")
	}

	// put is find composed with place. We perform find to see if the key is
	// already present. If it is, we either overwrite the value or refuse. If
	// it isn't we make sure there is room and place the entry in the first
	// free slot of its probe sequence.
	h := m.hash(key)
	s, skipped := m.find(h, key)
	m.insertCollisions += skipped
	m.recentInsertCollisions += skipped
	if s != nil {
		if !replace {
			return ErrKeyExists
		}
		if debug {
			fmt.Printf("put(updating): key=%v\n", key)
		}
		s.value = value
		return nil
	}

	if err := m.reserve(); err != nil {
		return err
	}
	if err := m.place(h, key, value); err != nil {
		return err
	}
	m.used++
	m.checkInvariants()
	return nil
}

// Delete deletes the entry corresponding to the specified key from the map,
// returning ErrNotFound if there is no such entry.
func (m *Map[K, V]) Delete(key K) error {
	if m.used == 0 {
		return ErrNotFound
	}
	s, skipped := m.find(m.hash(key), key)
	m.searchCollisions += skipped
	if s == nil {
		return ErrNotFound
	}

	// The slot cannot be marked empty: a later entry may have probed past it
	// and would become unreachable.
	*s = Slot[K, V]{state: slotTombstone}
	m.used--
	m.tombstones++
	if debug {
		fmt.Printf("delete(%v): used=%d tombstones=%d\n", key, m.used, m.tombstones)
	}
	m.checkInvariants()
	return nil
}

// Next returns the first entry at or after position cursor in the slot
// array, along with the cursor to pass to the following call. It returns
// Done once cursor reaches Capacity. Start iterating with a cursor of 0.
//
// Entries are returned in slot order. Resizing the map between calls
// invalidates the cursor.
func (m *Map[K, V]) Next(cursor int) (key K, value V, next int, err error) {
	if cursor < 0 || cursor > len(m.slots) {
		return key, value, cursor, errors.Wrapf(ErrInvalidArgument,
			"cursor %d out of range [0, %d]", cursor, len(m.slots))
	}
	for i := cursor; i < len(m.slots); i++ {
		if s := &m.slots[i]; s.state == slotOccupied {
			return s.key, s.value, i + 1, nil
		}
	}
	return key, value, len(m.slots), Done
}

// All calls yield sequentially for each key and value present in the map. If
// yield returns false, range stops the iteration. The map can be mutated
// during iteration, though there is no guarantee that the mutations will be
// visible to the iteration.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	// Snapshot the slots so that iteration remains valid if the map is
	// resized during iteration.
	slots := m.slots
	for i := range slots {
		if s := &slots[i]; s.state == slotOccupied {
			if !yield(s.key, s.value) {
				return
			}
		}
	}
}

// Clear deletes all entries from the map resulting in an empty map. The
// capacity is retained.
func (m *Map[K, V]) Clear() {
	clear(m.slots)
	m.used = 0
	m.tombstones = 0
	m.checkInvariants()
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// Capacity returns the number of slots in the map.
func (m *Map[K, V]) Capacity() int {
	return len(m.slots)
}

// Stats returns the diagnostic counters of the map.
func (m *Map[K, V]) Stats() Stats {
	return Stats{
		InsertCollisions:       m.insertCollisions,
		SearchCollisions:       m.searchCollisions,
		RecentInsertCollisions: m.recentInsertCollisions,
		Tombstones:             m.tombstones,
	}
}

// SetHashFunc replaces the hash function. It is only valid while the map
// holds no entries.
func (m *Map[K, V]) SetHashFunc(hash func(key K) uint64) error {
	if hash == nil {
		return errors.Wrap(ErrInvalidArgument, "nil hash function")
	}
	if m.used > 0 {
		return errors.Wrapf(ErrInvalidArgument, "cannot change hash function of map with %d entries", m.used)
	}
	m.hash = hash
	return nil
}

// SetEqualFunc replaces the equality function. It is only valid while the
// map holds no entries.
func (m *Map[K, V]) SetEqualFunc(equal func(a, b K) bool) error {
	if equal == nil {
		return errors.Wrap(ErrInvalidArgument, "nil equality function")
	}
	if m.used > 0 {
		return errors.Wrapf(ErrInvalidArgument, "cannot change equality function of map with %d entries", m.used)
	}
	m.equal = equal
	return nil
}

// Grow doubles the capacity of the map.
func (m *Map[K, V]) Grow() error {
	if m.slots == nil {
		return errors.Wrap(ErrInvalidArgument, "map is not initialized")
	}
	return m.resize(2 * len(m.slots))
}

// Shrink halves the capacity of the map. It fails without modifying the map
// if the new capacity would be below MinCapacity or the entries would fill
// more than half of it.
func (m *Map[K, V]) Shrink() error {
	if m.slots == nil {
		return errors.Wrap(ErrInvalidArgument, "map is not initialized")
	}
	newCapacity := len(m.slots) / 2
	if newCapacity < MinCapacity {
		return errors.Wrapf(ErrInvalidArgument,
			"shrink: capacity %d is below the minimum of %d", newCapacity, MinCapacity)
	}
	if invLoadFactor*m.used > newCapacity {
		return errors.Wrapf(ErrInvalidArgument,
			"shrink: %d entries do not fit in capacity %d", m.used, newCapacity)
	}
	return m.resize(newCapacity)
}

func (m *Map[K, V]) mask() uint64 {
	return uint64(len(m.slots) - 1)
}

// inline returns true if the map is using its embedded small table.
func (m *Map[K, V]) inline() bool {
	return len(m.slots) == MinCapacity && &m.slots[0] == &m.small[0]
}

// find returns the occupied slot holding key, or nil if there is none, along
// with the number of slots skipped along the way. The map must not be
// closed.
func (m *Map[K, V]) find(h uint64, key K) (*Slot[K, V], uint64) {
	// To find the location of a key in the table, we compute hash(key) and
	// walk its probe sequence. An occupied slot with the same hash whose key
	// is equal to key is a match. An empty slot ends the search: the entry
	// would have been placed there or earlier. Tombstones behave like
	// occupied slots that never match.
	var skipped uint64
	seq := makeProbeSeq(h, m.mask(), m.probing)
	if debug {
		fmt.Printf("find(%v): %s\n", key, seq)
	}

	for ; !seq.done(); seq = seq.next() {
		s := &m.slots[seq.offset]
		switch s.state {
		case slotEmpty:
			if debug {
				fmt.Printf("find(not-found): offset=%d\n", seq.offset)
			}
			return nil, skipped
		case slotOccupied:
			if s.hash == h && m.equal(key, s.key) {
				return s, skipped
			}
		}
		if debug {
			fmt.Printf("find(skipping): offset=%d state=%s\n", seq.offset, s.state)
		}
		skipped++
	}
	return nil, skipped
}

// place stores an entry known not to be in the table in the first empty or
// tombstoned slot of its probe sequence. Used by put after it has failed to
// find an existing entry, and by resize to move entries to the new slots.
// It never looks for a matching key and does not adjust m.used.
func (m *Map[K, V]) place(h uint64, key K, value V) error {
	seq := makeProbeSeq(h, m.mask(), m.probing)
	for ; !seq.done(); seq = seq.next() {
		s := &m.slots[seq.offset]
		if s.state != slotEmpty && s.state != slotTombstone {
			continue
		}
		if s.state == slotTombstone {
			m.tombstones--
		}
		*s = Slot[K, V]{hash: h, state: slotOccupied, key: key, value: value}
		if debug {
			fmt.Printf("place(inserting): index=%d used=%d\n", seq.offset, m.used+1)
		}
		return nil
	}
	return errors.Wrapf(ErrCapacityExhausted, "capacity=%d used=%d tombstones=%d",
		len(m.slots), m.used, m.tombstones)
}

// reserve makes room for one more entry, growing the table or dropping
// tombstones as needed.
func (m *Map[K, V]) reserve() error {
	capacity := len(m.slots)
	if invLoadFactor*(m.used+1) >= capacity {
		return m.resize(2 * capacity)
	}
	if invLoadFactor*(m.used+m.tombstones+1) >= capacity {
		// Rehash in place if at least a quarter of the table is tombstones.
		// Otherwise the live entries alone are close enough to the load limit
		// that rehashing in place would have to be repeated after a handful
		// of Delete/Insert pairs.
		if 4*m.tombstones >= capacity {
			m.rehashInPlace()
			return nil
		}
		return m.resize(2 * capacity)
	}
	return nil
}

// resize moves the entries into a slot array of newCapacity slots and
// discards the old array. Tombstones are not carried over. On failure the
// map is unchanged.
func (m *Map[K, V]) resize(newCapacity int) error {
	if newCapacity == len(m.slots) {
		m.rehashInPlace()
		return nil
	}

	oldSlots, oldTombstones := m.slots, m.tombstones
	oldInline := m.inline()

	var newSlots []Slot[K, V]
	if newCapacity == MinCapacity {
		// Shrinking back to the small table. oldSlots cannot be inline as
		// newCapacity differs from the current capacity.
		newSlots = m.small[:]
	} else {
		var err error
		newSlots, err = m.allocator.AllocSlots(newCapacity)
		if err != nil {
			return errors.Wrapf(ErrAllocationFailure, "allocating %d slots: %v", newCapacity, err)
		}
		if len(newSlots) != newCapacity {
			if newSlots != nil {
				m.allocator.FreeSlots(newSlots)
			}
			return errors.Wrapf(ErrAllocationFailure,
				"allocator returned %d slots, expected %d", len(newSlots), newCapacity)
		}
	}
	clear(newSlots)

	if debug {
		fmt.Printf("resize: capacity=%d->%d used=%d tombstones=%d\n",
			len(oldSlots), newCapacity, m.used, m.tombstones)
	}

	m.slots = newSlots
	m.tombstones = 0
	for i := range oldSlots {
		s := &oldSlots[i]
		if s.state != slotOccupied {
			continue
		}
		if err := m.place(s.hash, s.key, s.value); err != nil {
			m.slots, m.tombstones = oldSlots, oldTombstones
			if newCapacity == MinCapacity {
				clear(m.small[:])
			} else {
				m.allocator.FreeSlots(newSlots)
			}
			return err
		}
	}

	if oldInline {
		// Drop the references held by the small table.
		clear(m.small[:])
	} else {
		m.allocator.FreeSlots(oldSlots)
	}
	m.recentInsertCollisions = 0

	m.checkInvariants()
	return nil
}

// rehashInPlace drops all of the tombstones without allocating.
func (m *Map[K, V]) rehashInPlace() {
	if debug {
		fmt.Printf("rehash: used=%d tombstones=%d\n%s", m.used, m.tombstones, m.debugString())
	}

	// We first walk over the slots and mark every tombstone as empty and
	// every occupied slot as pending. Marking the tombstones as empty has
	// effectively dropped them, but we fouled up the probe invariant.
	// Marking the occupied slots as pending gives us a marker to locate the
	// entries that still need to be placed.
	for i := range m.slots {
		s := &m.slots[i]
		switch s.state {
		case slotTombstone:
			*s = Slot[K, V]{}
		case slotOccupied:
			s.state = slotPending
		}
	}
	m.tombstones = 0

	// Now we walk over all of the pending slots. For each slot we find the
	// first slot on its probe sequence that is empty or pending, which
	// reestablishes the probe invariant. Note that as this loop proceeds we
	// have the invariant that there are no pending slots in the range
	// [0, i). We may move the entry at i to the range [0, i) if that is where
	// the first empty slot in its probe sequence resides, but we never set a
	// slot in [0, i) to pending.
	for i := 0; i < len(m.slots); i++ {
		s := &m.slots[i]
		if s.state != slotPending {
			continue
		}

		// The probe sequence visits every slot and slot i is pending, so a
		// target is always found.
		target := -1
		for seq := makeProbeSeq(s.hash, m.mask(), m.probing); !seq.done(); seq = seq.next() {
			if st := m.slots[seq.offset].state; st == slotEmpty || st == slotPending {
				target = int(seq.offset)
				break
			}
		}

		switch {
		case target == i:
			s.state = slotOccupied

		case m.slots[target].state == slotEmpty:
			// Transfer the entry to the empty slot and mark the slot at index
			// i as empty.
			t := &m.slots[target]
			*t = *s
			t.state = slotOccupied
			*s = Slot[K, V]{}

		case m.slots[target].state == slotPending:
			// The slot at target holds an entry that also needs to be placed.
			// We swap it with the current entry and then repeat processing
			// of index i which now holds the entry which was at target.
			t := &m.slots[target]
			*s, *t = *t, *s
			t.state = slotOccupied
			i--

		default:
			panic(fmt.Sprintf("slot at position %d (%s) should be empty or pending",
				target, m.slots[target].state))
		}
	}
	m.recentInsertCollisions = 0

	m.checkInvariants()
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		capacity := len(m.slots)
		if capacity < MinCapacity || capacity&(capacity-1) != 0 {
			panic(fmt.Sprintf("invariant failed: capacity %d is not a power of 2 >= %d", capacity, MinCapacity))
		}
		if invLoadFactor*m.used > capacity {
			panic(fmt.Sprintf("invariant failed: %d entries exceed the load limit of capacity %d\n%s",
				m.used, capacity, m.debugString()))
		}

		// For every occupied slot, verify we can find the key at that slot.
		// Count the number of occupied and tombstoned slots.
		var used, tombstones int
		for i := range m.slots {
			s := &m.slots[i]
			switch s.state {
			case slotEmpty:
			case slotTombstone:
				tombstones++
			case slotOccupied:
				if h := m.hash(s.key); h != s.hash {
					panic(fmt.Sprintf("invariant failed: slot(%d): %v has hash %x, stored %x\n%s",
						i, s.key, h, s.hash, m.debugString()))
				}
				if found, _ := m.find(s.hash, s.key); found != s {
					panic(fmt.Sprintf("invariant failed: slot(%d): %v not found\n%s",
						i, s.key, m.debugString()))
				}
				used++
			default:
				panic(fmt.Sprintf("invariant failed: slot(%d): unexpected state %s", i, s.state))
			}
		}

		if used != m.used {
			panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%s",
				used, m.used, m.debugString()))
		}
		if tombstones != m.tombstones {
			panic(fmt.Sprintf("invariant failed: found %d tombstones, but tombstone count is %d\n%s",
				tombstones, m.tombstones, m.debugString()))
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  tombstones=%d  probing=%s  inline=%t\n",
		len(m.slots), m.used, m.tombstones, m.probing, m.slots != nil && m.inline())
	for i := range m.slots {
		switch s := &m.slots[i]; s.state {
		case slotEmpty:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		case slotTombstone:
			fmt.Fprintf(&buf, "  %4d: tombstone\n", i)
		default:
			fmt.Fprintf(&buf, "  %4d: %v [%s hash=%016x start=%d]\n",
				i, s.key, s.state, s.hash, s.hash&m.mask())
		}
	}
	return buf.String()
}
