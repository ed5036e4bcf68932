// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Sentinel errors for the allocator-returns-null paths spec.md §7 names.
// Wrap these with errors.Wrapf at each call site that has context worth
// keeping (the field being allocated for, the requested wosize, ...),
// and match them back with errors.Is.
var (
	// ErrOutOfMemory is raised to the mutator when an allocation cannot
	// be satisfied after the normal expand-and-retry path (§7 kind 1).
	ErrOutOfMemory = errors.New("gc: out of memory")

	// ErrRequestTooLarge is returned when a requested wosize exceeds
	// MaxWosize (§7 kind 3); callers map it to a typed failure or to
	// ErrOutOfMemory, depending on context.
	ErrRequestTooLarge = errors.New("gc: requested size exceeds max_wosize")
)

// fatal reports an unrecoverable invariant violation encountered while a
// collection is already in progress (§7 kind 2: out-of-memory during GC,
// remembered-set realloc failure, page-table grow failure). It is the
// direct analogue of the teacher's throw() (see msize.go's
// throw("SizeToClass - invalid size")): there is no unwinding path that
// leaves collector invariants intact, so it logs at error level and
// panics rather than returning an error.
func (h *Heap) fatal(err error) {
	h.log.Error("gc: unrecoverable collector error", zap.Error(err))
	panic(err)
}

// wrap attaches call-site context to a sentinel error without losing
// errors.Is matchability, mirroring the pack's common pkg/errors usage.
func wrap(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
