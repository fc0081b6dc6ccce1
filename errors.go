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

import "github.com/pkg/errors"

// Errors returned by Map and Pool operations. Returned errors usually wrap
// one of these with additional context, so compare using errors.Is.
var (
	// ErrAllocationFailure is returned when a slot array could not be
	// allocated. The map is left exactly as it was before the call.
	ErrAllocationFailure = errors.New("probemap: allocation failure")
	// ErrKeyExists is returned by Insert when the key is already present.
	ErrKeyExists = errors.New("probemap: key already exists")
	// ErrNotFound is returned by Delete when the key is not present.
	ErrNotFound = errors.New("probemap: key not found")
	// ErrInvalidArgument is returned for a nil or closed map, an out of
	// range cursor, or a resize the current contents do not allow.
	ErrInvalidArgument = errors.New("probemap: invalid argument")
	// ErrCapacityExhausted is returned when a probe sequence visited every
	// slot without finding room. Growth is supposed to make this
	// impossible, so seeing it indicates a bug in the map.
	ErrCapacityExhausted = errors.New("probemap: capacity exhausted")
)

// Done is returned by Map.Next when there are no more entries.
var Done = errors.New("probemap: no more entries")
