// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gc implements an embeddable two-generation garbage collector
// core: a bump-allocated minor heap with in-cycle aging, a free-list
// major heap, and the write barrier and remembered-set machinery that
// keep them consistent. It does not scan a host's roots, mark the
// major heap, or sweep it — those are supplied by a host runtime
// through Hooks and the Darken/Phase interface.
package gc
