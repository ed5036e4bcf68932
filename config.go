// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Tunables and runtime-parameter string parsing (§6).

package gc

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// VerbosityFlag is one bit of the verb_gc bitmask (§6).
type VerbosityFlag uint32

const (
	VerbGC        VerbosityFlag = 1 << 0 // minor/major cycle begin & end
	VerbAlloc     VerbosityFlag = 1 << 1 // major heap chunk growth
	VerbCompact   VerbosityFlag = 1 << 2 // (reserved; compaction is a separate subsystem)
	VerbHugePage  VerbosityFlag = 1 << 3 // huge-page allocation and fallback
	VerbWriteBarr VerbosityFlag = 1 << 4 // modify-log flush / cache behaviour
)

// Config holds every tunable spec.md §6 names. Zero Config is not
// meaningful on its own — use DefaultConfig and override from there, or
// ParseParams to build one from a runtime-parameter string.
type Config struct {
	// MinorHeapBytes is the size of one minor-heap semispace (H in
	// spec.md §3 terms); the minor heap region holds two of them,
	// 2 × MinorHeapBytes in all.
	MinorHeapBytes uintptr

	// PercentFree is the major heap's target free-space percentage
	// used when padding an over-request in alloc_shr (§4.3).
	PercentFree int

	// AgingRatio is young_aging_ratio ∈ [0,1] (§4.6 step 4).
	AgingRatio float64

	// UseHugePages enables the mmap(MAP_HUGETLB) chunk backing path
	// (§4.3 "Huge-page mode").
	UseHugePages bool

	// Verbosity is the verb_gc bitmask.
	Verbosity VerbosityFlag
}

// DefaultConfig matches the teacher-adjacent defaults: a modest minor
// heap, 15% space overhead (OCaml's historical default), no aging, no
// huge pages, silent.
func DefaultConfig() Config {
	return Config{
		MinorHeapBytes: 256 * 1024,
		PercentFree:    15,
		AgingRatio:     0,
		UseHugePages:   false,
		Verbosity:      0,
	}
}

// ParseParams parses a runtime-parameter string of the form
// "key=value,key=value,..." (the Go analogue of OCAMLRUNPARAM/GOGC),
// applying recognised keys on top of base and returning the result.
// Recognised keys: s (minor heap size, bytes, accepts k/M/G suffixes),
// o (percent_free), H (use_huge_pages, 0 or 1), v (verbosity, hex or
// decimal), a (aging_ratio, a float in [0,1]). Unrecognised keys are
// ignored, matching OCAMLRUNPARAM's historical tolerance of unknown
// letters from newer runtimes.
func ParseParams(base Config, s string) (Config, error) {
	cfg := base
	if s == "" {
		return cfg, nil
	}
	for _, kv := range strings.Split(s, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return cfg, errors.Errorf("gc: malformed runtime parameter %q", kv)
		}
		key, val := parts[0], parts[1]
		switch key {
		case "s":
			n, err := parseByteSize(val)
			if err != nil {
				return cfg, errors.Wrapf(err, "gc: parameter %q", kv)
			}
			cfg.MinorHeapBytes = n
		case "o":
			n, err := strconv.Atoi(val)
			if err != nil {
				return cfg, errors.Wrapf(err, "gc: parameter %q", kv)
			}
			cfg.PercentFree = n
		case "H":
			cfg.UseHugePages = val == "1"
		case "v":
			n, err := strconv.ParseUint(val, 0, 32)
			if err != nil {
				return cfg, errors.Wrapf(err, "gc: parameter %q", kv)
			}
			cfg.Verbosity = VerbosityFlag(n)
		case "a":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return cfg, errors.Wrapf(err, "gc: parameter %q", kv)
			}
			if f < 0 || f > 1 {
				return cfg, errors.Errorf("gc: parameter %q: aging ratio must be in [0,1]", kv)
			}
			cfg.AgingRatio = f
		}
	}
	return cfg, nil
}

func parseByteSize(s string) (uintptr, error) {
	if s == "" {
		return 0, errors.New("empty size")
	}
	mult := uintptr(1)
	suffix := s[len(s)-1]
	switch suffix {
	case 'k', 'K':
		mult = 1024
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return uintptr(n) * mult, nil
}
