// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package linemap

import (
	"debug/dwarf"

	"github.com/DataDog/causalprof/pkg/util/log"
)

// maxOriginDepth bounds the abstract_origin/specification reference
// chain; malformed input can make it cyclic.
const maxOriginDepth = 16

// visitInline indexes one inlined subroutine. When the call site is in
// scope but the declaration site is not, the subroutine's instructions
// lexically belong to out-of-scope code executing on behalf of the call
// line, so its address ranges are charged to the call line. Any other
// combination contributes nothing here; an in-scope declaration is
// already covered by its own line rows.
func (w *unitWalker) visitInline(entry *dwarf.Entry) {
	declFile := w.fileAttr(entry, dwarf.AttrDeclFile)
	callFile := w.fileAttr(entry, dwarf.AttrCallFile)
	if declFile == "" || callFile == "" {
		return
	}
	if w.scope.Contains(declFile) {
		return
	}
	callPath, ok := w.scope.Resolve(callFile)
	if !ok {
		return
	}
	callLine, _ := w.intAttr(entry, dwarf.AttrCallLine)

	name := w.stringAttr(entry, dwarf.AttrName)
	if name == "" {
		name = "?"
	}
	declLine, _ := w.intAttr(entry, dwarf.AttrDeclLine)
	log.Tracef("inlined %s from %s:%d charged to %s:%d", name, declFile, declLine, callPath, callLine)

	if f, carrier := w.resolveAttr(entry, dwarf.AttrRanges, 0); f != nil {
		rngs, err := w.d.Ranges(carrier)
		if err != nil {
			if malformedWarnLimiter.Allow() {
				log.Warnf("unreadable range list at 0x%x: %s", entry.Offset, err)
			}
			return
		}
		for _, r := range rngs {
			w.m.Add(callPath, int(callLine), Interval{Low: r[0] + w.base, High: r[1] + w.base})
		}
		return
	}
	low, high, ok := w.pcRange(entry)
	if !ok {
		return
	}
	w.m.Add(callPath, int(callLine), Interval{Low: low + w.base, High: high + w.base})
}

// resolveAttr looks attr up on entry itself, then through the
// abstract_origin and specification references DWARF uses to factor
// shared attributes onto a separate declaration node. It returns the
// attribute field together with the entry carrying it. The depth bound
// keeps cyclic references in malformed input from recursing forever.
func (w *unitWalker) resolveAttr(entry *dwarf.Entry, attr dwarf.Attr, depth int) (*dwarf.Field, *dwarf.Entry) {
	if f := entry.AttrField(attr); f != nil {
		return f, entry
	}
	if depth >= maxOriginDepth {
		return nil, nil
	}
	for _, ref := range [...]dwarf.Attr{dwarf.AttrAbstractOrigin, dwarf.AttrSpecification} {
		off, ok := entry.Val(ref).(dwarf.Offset)
		if !ok {
			continue
		}
		target, err := w.entryAt(off)
		if err != nil || target == nil {
			continue
		}
		if f, carrier := w.resolveAttr(target, attr, depth+1); f != nil {
			return f, carrier
		}
	}
	return nil, nil
}

func (w *unitWalker) entryAt(off dwarf.Offset) (*dwarf.Entry, error) {
	w.origin.Seek(off)
	return w.origin.Next()
}

// fileAttr resolves a file attribute to a path through the unit's line
// table file index. Index zero and out of range indices mean the file
// is not known.
func (w *unitWalker) fileAttr(entry *dwarf.Entry, attr dwarf.Attr) string {
	f, _ := w.resolveAttr(entry, attr, 0)
	if f == nil {
		return ""
	}
	idx, ok := f.Val.(int64)
	if !ok || idx <= 0 || idx >= int64(len(w.files)) {
		return ""
	}
	return w.files[idx]
}

func (w *unitWalker) intAttr(entry *dwarf.Entry, attr dwarf.Attr) (int64, bool) {
	f, _ := w.resolveAttr(entry, attr, 0)
	if f == nil {
		return 0, false
	}
	v, ok := f.Val.(int64)
	return v, ok
}

func (w *unitWalker) stringAttr(entry *dwarf.Entry, attr dwarf.Attr) string {
	f, _ := w.resolveAttr(entry, attr, 0)
	if f == nil {
		return ""
	}
	s, _ := f.Val.(string)
	return s
}

// pcRange resolves the low and high program counter bounds of entry.
func (w *unitWalker) pcRange(entry *dwarf.Entry) (low, high uint64, ok bool) {
	lowField, _ := w.resolveAttr(entry, dwarf.AttrLowpc, 0)
	highField, _ := w.resolveAttr(entry, dwarf.AttrHighpc, 0)
	if lowField == nil || highField == nil {
		return 0, 0, false
	}
	if low, ok = pcValue(lowField, 0); !ok {
		return 0, 0, false
	}
	if high, ok = pcValue(highField, low); !ok {
		return 0, 0, false
	}
	return low, high, true
}

// pcValue normalizes a program counter attribute to an absolute
// address. An address class value stands alone; a constant class value,
// which covers both the signed and unsigned encodings, is an offset
// from base, the DWARF 4 form of a high bound.
func pcValue(f *dwarf.Field, base uint64) (uint64, bool) {
	switch f.Class {
	case dwarf.ClassAddress:
		v, ok := f.Val.(uint64)
		return v, ok
	case dwarf.ClassConstant:
		v, ok := f.Val.(int64)
		return base + uint64(v), ok
	default:
		return 0, false
	}
}
