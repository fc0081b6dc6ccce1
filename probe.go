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

import "fmt"

// Probing selects the probe sequence a Map walks on collision.
type Probing uint8

const (
	// ProbePerturbed steps through the table with i' = 5i + perturb + 1,
	// shifting perturb right by PerturbShift bits each step. The high bits
	// of the hash therefore influence the probe order, which keeps keys
	// sharing their low bits from piling up in one cluster.
	ProbePerturbed Probing = iota
	// ProbeLinear steps through the table one slot at a time.
	ProbeLinear
)

func (p Probing) String() string {
	switch p {
	case ProbePerturbed:
		return "perturbed"
	case ProbeLinear:
		return "linear"
	default:
		return fmt.Sprintf("Probing(%d)", uint8(p))
	}
}

// PerturbShift is the number of hash bits consumed per step by
// ProbePerturbed.
const PerturbShift = 5

// probeSeq maintains the state for a probe sequence over a table with
// mask+1 slots (a power of two).
//
// For ProbePerturbed the sequence has two phases. While perturb is non-zero
// the steps mix in hash bits and may revisit slots. Once perturb reaches
// zero the recurrence is
//
//	p(i+1) := 5*p(i) + 1 (mod mask+1)
//
// which is a linear congruential generator with full period modulo any
// power of two (the increment is odd and the multiplier minus one is
// divisible by 4), so the next mask+1 positions visit every slot exactly
// once. ProbeLinear is in that second phase from the start. The sequence is
// done once a full period of the second phase has been walked, which bounds
// every probe loop even when the table has no empty slot.
type probeSeq struct {
	mask    uint64
	offset  uint64
	perturb uint64
	// steps is the number of steps taken with a zero perturb.
	steps  uint64
	linear bool
}

func makeProbeSeq(hash uint64, mask uint64, probing Probing) probeSeq {
	s := probeSeq{
		mask:   mask,
		offset: hash & mask,
		linear: probing == ProbeLinear,
	}
	if !s.linear {
		s.perturb = hash
	}
	return s
}

// done returns true once every slot has been visited.
func (s probeSeq) done() bool {
	return s.steps > s.mask
}

func (s probeSeq) next() probeSeq {
	if s.linear {
		s.offset = (s.offset + 1) & s.mask
		s.steps++
		return s
	}
	s.perturb >>= PerturbShift
	if s.perturb == 0 {
		s.steps++
	}
	s.offset = (5*s.offset + s.perturb + 1) & s.mask
	return s
}

func (s probeSeq) String() string {
	return fmt.Sprintf("mask=%d offset=%d perturb=%x steps=%d", s.mask, s.offset, s.perturb, s.steps)
}
