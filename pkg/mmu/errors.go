// Copyright 2026 The gVisor Authors.
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

package mmu

import "errors"

// Errors returned by the engine. Call sites wrap them with the address
// involved; test with errors.Is.
var (
	// ErrOutOfMemory is returned when a physical block or a shadow buffer
	// could not be allocated. Nothing is left half-built.
	ErrOutOfMemory = errors.New("out of page table memory")

	// ErrAlreadyMapped is returned when mapping a virtual address that
	// already resolves to a present, non-default leaf.
	ErrAlreadyMapped = errors.New("mapping already exists")

	// ErrNotMapped is returned when unmapping or walking a virtual address
	// that has no present leaf.
	ErrNotMapped = errors.New("virtual address is not mapped")

	// ErrProtocolViolation is returned when a DRAM request breaks the
	// default page mapping convention.
	ErrProtocolViolation = errors.New("DRAM default mapping violation")

	// ErrInconsistentTeardown is returned by Context.Close when hops were
	// still in use. They have been freed regardless.
	ErrInconsistentTeardown = errors.New("context freed with page tables in use")

	// ErrInvalidArgument is returned for malformed requests and
	// configurations.
	ErrInvalidArgument = errors.New("invalid argument")
)
