// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package linemap builds and queries the address range index of a
// profiled process: a mapping from absolute instruction addresses to
// source lines, assembled from the DWARF line tables and inlined
// subroutine records of every module mapped into the process.
package linemap

import (
	"cmp"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/DataDog/causalprof/pkg/util/log"
)

// Line is the atomic attribution unit, one line of one source file.
// All intervals that execute code for that line share the same Line.
type Line struct {
	file   *File
	number int
}

// File returns the source file the line belongs to.
func (l *Line) File() *File { return l.file }

// Number returns the one-based line number.
func (l *Line) Number() int { return l.number }

func (l *Line) String() string {
	return fmt.Sprintf("%s:%d", l.file.path, l.number)
}

// File is one distinct source file, keyed by its normalized path. Files
// are interned by the Map that owns them.
type File struct {
	path  string
	lines map[int]*Line
}

// Path returns the normalized source path.
func (f *File) Path() string { return f.path }

// Line returns the line record for number, or nil when no interval was
// ever attributed to it.
func (f *File) Line(number int) *Line {
	return f.lines[number]
}

// Lines returns the file's known lines in ascending line order.
func (f *File) Lines() []*Line {
	out := make([]*Line, 0, len(f.lines))
	for _, l := range f.lines {
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b *Line) int {
		return cmp.Compare(a.number, b.number)
	})
	return out
}

func (f *File) line(number int) *Line {
	l, ok := f.lines[number]
	if !ok {
		l = &Line{file: f, number: number}
		f.lines[number] = l
	}
	return l
}

// Interval is a half-open address range [Low, High) in the inspected
// process's virtual address space.
type Interval struct {
	Low  uint64
	High uint64
}

func (iv Interval) String() string {
	return fmt.Sprintf("[0x%x,0x%x)", iv.Low, iv.High)
}

// Entry pairs an indexed interval with the line it is attributed to.
type Entry struct {
	Interval Interval
	Line     *Line
}

type span struct {
	Interval
	line *Line
}

// Map is the address range index. It owns every File and Line record and
// an ordered, non-overlapping interval table pointing at them.
//
// A Map is populated single threaded, by Build or by direct Add calls.
// Once populated it is immutable and all lookups are safe for
// concurrent use without locking.
type Map struct {
	files map[string]*File
	order []*File
	spans []span
}

// NewMap returns an empty index.
func NewMap() *Map {
	return &Map{files: make(map[string]*File)}
}

var (
	defaultMap  *Map
	defaultOnce sync.Once
)

// Default returns the process-wide index, created empty on first use.
// It lives for the remainder of the process.
func Default() *Map {
	defaultOnce.Do(func() {
		defaultMap = NewMap()
	})
	return defaultMap
}

// Add attributes the interval iv to line number of the source file at
// path. The path is normalized before it is used as a key, so distinct
// spellings of one file collapse into one record. The first interval
// written to a region of the address space wins: an interval that
// overlaps an existing entry is dropped, as is an empty interval. The
// File and Line records are interned either way.
func (m *Map) Add(path string, number int, iv Interval) {
	line := m.file(path).line(number)
	if iv.High <= iv.Low {
		return
	}
	i := sort.Search(len(m.spans), func(i int) bool {
		return m.spans[i].High > iv.Low
	})
	if i < len(m.spans) && m.spans[i].Low < iv.High {
		return
	}
	m.spans = slices.Insert(m.spans, i, span{Interval: iv, line: line})
}

func (m *Map) file(path string) *File {
	path = normalizePath(path)
	f, ok := m.files[path]
	if !ok {
		f = &File{path: path, lines: make(map[int]*Line)}
		m.files[path] = f
		m.order = append(m.order, f)
	}
	return f
}

// LookupPC returns the line whose interval contains pc, or nil when no
// interval covers it.
func (m *Map) LookupPC(pc uint64) *Line {
	i := sort.Search(len(m.spans), func(i int) bool {
		return m.spans[i].High > pc
	})
	if i < len(m.spans) && m.spans[i].Low <= pc {
		return m.spans[i].line
	}
	return nil
}

// LookupSpec resolves a source location written as <file>:<line>, the
// form progress points are configured with. The file part is matched as
// a suffix of each known file's normalized path, aligned to a path
// component boundary, so an unambiguous basename is enough. Returns nil
// when the spec is malformed or nothing matches.
func (m *Map) LookupSpec(spec string) *Line {
	colon := strings.IndexByte(spec, ':')
	if colon < 0 {
		log.Warnf("Could not identify file name in input %s", spec)
		return nil
	}
	name := spec[:colon]
	number, err := strconv.Atoi(spec[colon+1:])
	if err != nil {
		log.Warnf("Could not parse line number in input %s", spec)
		return nil
	}
	for _, f := range m.order {
		if !matchSuffix(f.path, name) {
			continue
		}
		if l := f.Line(number); l != nil {
			return l
		}
	}
	return nil
}

// matchSuffix reports whether path ends with name at a path component
// boundary, so foo.c matches /src/foo.c but not /src/barfoo.c.
func matchSuffix(path, name string) bool {
	if name == "" {
		return false
	}
	if path == name {
		return true
	}
	return strings.HasSuffix(path, "/"+name)
}

// Files returns every known file in the order first referenced.
func (m *Map) Files() []*File {
	return slices.Clone(m.order)
}

// Entries returns the interval table in ascending address order.
func (m *Map) Entries() []Entry {
	out := make([]Entry, len(m.spans))
	for i, s := range m.spans {
		out[i] = Entry{Interval: s.Interval, Line: s.line}
	}
	return out
}
