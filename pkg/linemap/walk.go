// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package linemap

import (
	"debug/dwarf"
	"io"
	"time"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/DataDog/causalprof/pkg/util/log"
)

// Warnings about malformed units are throttled so one bad image cannot
// flood the log.
var malformedWarnLimiter = rate.NewLimiter(rate.Every(time.Minute), 10)

// processImage walks every compilation unit of a located debug image
// and feeds the resulting intervals into the map, shifted by the
// module's load base. The go dwarf library is not hardened against
// untrusted inputs, so panics are recovered and returned as the
// module's error.
func (m *Map) processImage(img DebugImage, base uint64, scope Scope) (err error) {
	defer func() {
		switch r := recover().(type) {
		case nil:
		case error:
			err = pkgerrors.Wrap(r, "walking debug info: panic")
		default:
			err = pkgerrors.Errorf("walking debug info: panic: %v", r)
		}
	}()

	d, err := img.DWARF()
	if err != nil {
		return err
	}
	r := d.Reader()
	for {
		cu, err := r.Next()
		if err != nil {
			return pkgerrors.Wrap(err, "reading unit header")
		}
		if cu == nil {
			return nil
		}
		if cu.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		w := &unitWalker{
			d:      d,
			r:      r,
			origin: d.Reader(),
			base:   base,
			scope:  scope,
			m:      m,
		}
		if err := w.processUnit(cu); err != nil {
			return err
		}
	}
}

// unitWalker carries the per-compilation-unit state: the main reader
// cursor, an auxiliary cursor for resolving reference attributes, and
// the unit's line table file index.
type unitWalker struct {
	d      *dwarf.Data
	r      *dwarf.Reader
	origin *dwarf.Reader
	files  []string
	base   uint64
	scope  Scope
	m      *Map
}

// processUnit indexes one compilation unit: the line table rows first,
// then the debug entry tree for inlined subroutines. A broken line
// table costs only its remaining rows, not the unit.
func (w *unitWalker) processUnit(cu *dwarf.Entry) error {
	lr, err := w.d.LineReader(cu)
	if err != nil {
		if malformedWarnLimiter.Allow() {
			log.Warnf("skipping line table of unit at 0x%x: %s", cu.Offset, err)
		}
	} else if lr != nil {
		w.files = fileTable(lr)
		if err := w.walkLineTable(lr); err != nil && malformedWarnLimiter.Allow() {
			log.Warnf("abandoning line table of unit at 0x%x: %s", cu.Offset, err)
		}
	}
	return w.walkEntries(cu)
}

// fileTable flattens the line reader's file index into names. Position
// zero is the reader's nil placeholder and stays empty; file references
// use zero to mean that the file is not known.
func fileTable(lr *dwarf.LineReader) []string {
	files := lr.Files()
	out := make([]string, len(files))
	for i, f := range files {
		if f != nil {
			out[i] = f.Name
		}
	}
	return out
}

func (w *unitWalker) walkLineTable(lr *dwarf.LineReader) error {
	lw := lineWalker{m: w.m, scope: w.scope, base: w.base}
	var row dwarf.LineEntry
	for {
		if err := lr.Next(&row); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		lw.visit(row)
	}
}

// lineWalker turns one line table's row sequence into intervals. Each
// row closes the address range opened by the previous row, attributed
// to the previous row's source line when that line is in scope. An
// end-of-sequence row closes the final range of its sequence and then
// resets the walker, since the next row starts an unrelated stretch of
// the address space.
type lineWalker struct {
	m        *Map
	scope    Scope
	base     uint64
	prev     dwarf.LineEntry
	havePrev bool
}

func (lw *lineWalker) visit(row dwarf.LineEntry) {
	if lw.havePrev && lw.prev.File != nil {
		if path, ok := lw.scope.Resolve(lw.prev.File.Name); ok {
			lw.m.Add(path, lw.prev.Line, Interval{
				Low:  lw.prev.Address + lw.base,
				High: row.Address + lw.base,
			})
		}
	}
	if row.EndSequence {
		lw.havePrev = false
		return
	}
	lw.prev = row
	lw.havePrev = true
}

// walkEntries visits every node below the unit root in document order.
// Only inlined subroutines contribute to the index, but the walk always
// descends whatever the parent's tag; inlined subroutines nest inside
// lexical blocks, other subroutines, and each other.
func (w *unitWalker) walkEntries(cu *dwarf.Entry) error {
	if !cu.Children {
		return nil
	}
	for depth := 1; depth > 0; {
		entry, err := w.r.Next()
		if err != nil {
			return pkgerrors.Wrap(err, "reading debug entry")
		}
		if entry == nil {
			return nil
		}
		if entry.Tag == 0 {
			depth--
			continue
		}
		if entry.Tag == dwarf.TagInlinedSubroutine {
			w.visitInline(entry)
		}
		if entry.Children {
			depth++
		}
	}
	return nil
}
