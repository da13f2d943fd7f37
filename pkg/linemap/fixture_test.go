// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package linemap

import (
	"bytes"
	"debug/dwarf"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// dwarfFixture assembles the sections of a one-unit DWARF v4 image byte
// by byte, little endian, 8-byte addresses. It covers the attribute
// forms and reference shapes that compilers emit for inlined code but
// that no Go test helper will produce: address-class bounds, range
// lists, and abstract_origin/specification chains.
type dwarfFixture struct {
	info   bytes.Buffer
	line   bytes.Buffer
	ranges bytes.Buffer
}

// Attribute form codes from the DWARF v4 specification, section 7.5.4.
const (
	formAddr      = 0x01
	formString    = 0x08
	formData1     = 0x0b
	formRef4      = 0x13
	formSecOffset = 0x17
)

// Line number program opcodes, DWARF v4 section 7.22.
const (
	lnsCopy        = 1
	lnsAdvancePC   = 2
	lnsAdvanceLine = 3
	lnsSetFile     = 4
	lneEndSequence = 1
	lneSetAddress  = 2
)

func uleb128(b *bytes.Buffer, v uint64) {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b.WriteByte(c)
		if v == 0 {
			return
		}
	}
}

func sleb128(b *bytes.Buffer, v int64) {
	for {
		c := byte(v & 0x7f)
		sign := (c & 0x40) != 0
		v >>= 7
		done := (v == 0 && !sign) || (v == -1 && sign)
		if !done {
			c |= 0x80
		}
		b.WriteByte(c)
		if done {
			return
		}
	}
}

type lineRow struct {
	addr uint64
	file int
	line int
}

// lineSeq is one line table sequence. Rows must ascend by address and
// end names the address one past the last instruction, where the
// sequence terminates.
type lineSeq struct {
	rows []lineRow
	end  uint64
}

// lineTable appends one line number program and returns its section
// offset for the unit's stmt_list attribute. File numbers in rows index
// files starting at 1, matching the emitted file table.
func (fx *dwarfFixture) lineTable(files []string, seqs ...lineSeq) uint32 {
	off := uint32(fx.line.Len())

	hdr := &bytes.Buffer{}
	hdr.WriteByte(1)                             // minimum_instruction_length
	hdr.WriteByte(1)                             // default_is_stmt
	hdr.WriteByte(0xfb)                          // line_base -5
	hdr.WriteByte(14)                            // line_range
	hdr.WriteByte(10)                            // opcode_base
	hdr.Write([]byte{0, 1, 1, 1, 1, 0, 0, 0, 1}) // standard_opcode_lengths
	hdr.WriteByte(0)                             // empty include_directories
	for _, f := range files {
		hdr.WriteString(f)
		hdr.WriteByte(0)
		uleb128(hdr, 0) // directory index
		uleb128(hdr, 0) // mtime
		uleb128(hdr, 0) // length
	}
	hdr.WriteByte(0) // end of file_names

	body := &bytes.Buffer{}
	binary.Write(body, binary.LittleEndian, uint16(2)) // version
	binary.Write(body, binary.LittleEndian, uint32(hdr.Len()))
	body.Write(hdr.Bytes())

	for _, seq := range seqs {
		file, ln, addr := 1, 1, uint64(0)
		for i, r := range seq.rows {
			if i == 0 {
				body.WriteByte(0)
				uleb128(body, 9)
				body.WriteByte(lneSetAddress)
				binary.Write(body, binary.LittleEndian, r.addr)
			} else if r.addr != addr {
				body.WriteByte(lnsAdvancePC)
				uleb128(body, r.addr-addr)
			}
			addr = r.addr
			if r.file != file {
				body.WriteByte(lnsSetFile)
				uleb128(body, uint64(r.file))
				file = r.file
			}
			if r.line != ln {
				body.WriteByte(lnsAdvanceLine)
				sleb128(body, int64(r.line-ln))
				ln = r.line
			}
			body.WriteByte(lnsCopy)
		}
		if len(seq.rows) > 0 {
			body.WriteByte(lnsAdvancePC)
			uleb128(body, seq.end-addr)
		} else {
			body.WriteByte(0)
			uleb128(body, 9)
			body.WriteByte(lneSetAddress)
			binary.Write(body, binary.LittleEndian, seq.end)
		}
		body.WriteByte(0)
		uleb128(body, 1)
		body.WriteByte(lneEndSequence)
	}

	binary.Write(&fx.line, binary.LittleEndian, uint32(body.Len()))
	fx.line.Write(body.Bytes())
	return off
}

// openUnit begins the compilation unit. Entries written afterwards nest
// under it until closeUnit. The unit's low_pc is zero, so range list
// entries hold absolute addresses.
func (fx *dwarfFixture) openUnit(name string, stmt uint32) {
	fx.info.Write([]byte{0, 0, 0, 0}) // unit_length, patched in closeUnit
	binary.Write(&fx.info, binary.LittleEndian, uint16(4))
	binary.Write(&fx.info, binary.LittleEndian, uint32(0)) // debug_abbrev_offset
	fx.info.WriteByte(8)                                   // address_size

	uleb128(&fx.info, 1)
	fx.info.WriteString(name)
	fx.info.WriteByte(0)
	binary.Write(&fx.info, binary.LittleEndian, stmt)
	binary.Write(&fx.info, binary.LittleEndian, uint64(0)) // low_pc
}

func (fx *dwarfFixture) closeUnit() {
	fx.info.WriteByte(0) // end of children
	b := fx.info.Bytes()
	binary.LittleEndian.PutUint32(b, uint32(len(b)-4))
}

// offset reports where the next entry will land. The fixture holds a
// single unit starting at 0, so section offsets double as reference
// targets.
func (fx *dwarfFixture) offset() dwarf.Offset {
	return dwarf.Offset(fx.info.Len())
}

// subprogram writes an abstract function declaration and returns its
// offset for origin references.
func (fx *dwarfFixture) subprogram(name string, declFile, declLine uint8) dwarf.Offset {
	off := fx.offset()
	uleb128(&fx.info, 2)
	fx.info.WriteString(name)
	fx.info.WriteByte(0)
	fx.info.WriteByte(declFile)
	fx.info.WriteByte(declLine)
	return off
}

// specification writes a subprogram that carries nothing but a
// specification reference to target, the shape C++ compilers emit for
// out-of-class member definitions.
func (fx *dwarfFixture) specification(target dwarf.Offset) dwarf.Offset {
	off := fx.offset()
	uleb128(&fx.info, 3)
	binary.Write(&fx.info, binary.LittleEndian, uint32(target))
	return off
}

// subprogramRanges writes an abstract declaration that carries its own
// range list, for instances that defer their extent to the origin.
func (fx *dwarfFixture) subprogramRanges(name string, declFile, declLine uint8, spans [][2]uint64) dwarf.Offset {
	off := fx.offset()
	uleb128(&fx.info, 7)
	fx.info.WriteString(name)
	fx.info.WriteByte(0)
	fx.info.WriteByte(declFile)
	fx.info.WriteByte(declLine)
	binary.Write(&fx.info, binary.LittleEndian, fx.rangeList(spans))
	return off
}

// openSubprogram writes a concrete function body whose children follow
// until closeTag.
func (fx *dwarfFixture) openSubprogram(name string, low, high uint64) {
	uleb128(&fx.info, 4)
	fx.info.WriteString(name)
	fx.info.WriteByte(0)
	binary.Write(&fx.info, binary.LittleEndian, low)
	binary.Write(&fx.info, binary.LittleEndian, high)
}

func (fx *dwarfFixture) closeTag() {
	fx.info.WriteByte(0)
}

// inlined writes an inlined_subroutine instance covering the contiguous
// range [low, high). Both bounds use the address form.
func (fx *dwarfFixture) inlined(origin dwarf.Offset, callFile, callLine uint8, low, high uint64) {
	uleb128(&fx.info, 5)
	binary.Write(&fx.info, binary.LittleEndian, uint32(origin))
	fx.info.WriteByte(callFile)
	fx.info.WriteByte(callLine)
	binary.Write(&fx.info, binary.LittleEndian, low)
	binary.Write(&fx.info, binary.LittleEndian, high)
}

// inlinedRanges writes an inlined_subroutine instance whose extent is
// the given list of [low, high) pairs in the ranges section.
func (fx *dwarfFixture) inlinedRanges(origin dwarf.Offset, callFile, callLine uint8, spans [][2]uint64) {
	roff := fx.rangeList(spans)
	uleb128(&fx.info, 6)
	binary.Write(&fx.info, binary.LittleEndian, uint32(origin))
	fx.info.WriteByte(callFile)
	fx.info.WriteByte(callLine)
	binary.Write(&fx.info, binary.LittleEndian, roff)
}

// inlinedBare writes an inlined_subroutine instance with no extent
// information of its own.
func (fx *dwarfFixture) inlinedBare(origin dwarf.Offset, callFile, callLine uint8) {
	uleb128(&fx.info, 8)
	binary.Write(&fx.info, binary.LittleEndian, uint32(origin))
	fx.info.WriteByte(callFile)
	fx.info.WriteByte(callLine)
}

// rangeList appends a terminated range list and returns its section
// offset.
func (fx *dwarfFixture) rangeList(spans [][2]uint64) uint32 {
	off := uint32(fx.ranges.Len())
	for _, s := range spans {
		binary.Write(&fx.ranges, binary.LittleEndian, s[0])
		binary.Write(&fx.ranges, binary.LittleEndian, s[1])
	}
	binary.Write(&fx.ranges, binary.LittleEndian, uint64(0))
	binary.Write(&fx.ranges, binary.LittleEndian, uint64(0))
	return off
}

func (fx *dwarfFixture) abbrev() []byte {
	ab := &bytes.Buffer{}
	entry := func(code uint64, tag dwarf.Tag, children byte, attrs ...[2]uint64) {
		uleb128(ab, code)
		uleb128(ab, uint64(tag))
		ab.WriteByte(children)
		for _, a := range attrs {
			uleb128(ab, a[0])
			uleb128(ab, a[1])
		}
		uleb128(ab, 0)
		uleb128(ab, 0)
	}
	entry(1, dwarf.TagCompileUnit, 1,
		[2]uint64{uint64(dwarf.AttrName), formString},
		[2]uint64{uint64(dwarf.AttrStmtList), formSecOffset},
		[2]uint64{uint64(dwarf.AttrLowpc), formAddr})
	entry(2, dwarf.TagSubprogram, 0,
		[2]uint64{uint64(dwarf.AttrName), formString},
		[2]uint64{uint64(dwarf.AttrDeclFile), formData1},
		[2]uint64{uint64(dwarf.AttrDeclLine), formData1})
	entry(3, dwarf.TagSubprogram, 0,
		[2]uint64{uint64(dwarf.AttrSpecification), formRef4})
	entry(4, dwarf.TagSubprogram, 1,
		[2]uint64{uint64(dwarf.AttrName), formString},
		[2]uint64{uint64(dwarf.AttrLowpc), formAddr},
		[2]uint64{uint64(dwarf.AttrHighpc), formAddr})
	entry(5, dwarf.TagInlinedSubroutine, 0,
		[2]uint64{uint64(dwarf.AttrAbstractOrigin), formRef4},
		[2]uint64{uint64(dwarf.AttrCallFile), formData1},
		[2]uint64{uint64(dwarf.AttrCallLine), formData1},
		[2]uint64{uint64(dwarf.AttrLowpc), formAddr},
		[2]uint64{uint64(dwarf.AttrHighpc), formAddr})
	entry(6, dwarf.TagInlinedSubroutine, 0,
		[2]uint64{uint64(dwarf.AttrAbstractOrigin), formRef4},
		[2]uint64{uint64(dwarf.AttrCallFile), formData1},
		[2]uint64{uint64(dwarf.AttrCallLine), formData1},
		[2]uint64{uint64(dwarf.AttrRanges), formSecOffset})
	entry(7, dwarf.TagSubprogram, 0,
		[2]uint64{uint64(dwarf.AttrName), formString},
		[2]uint64{uint64(dwarf.AttrDeclFile), formData1},
		[2]uint64{uint64(dwarf.AttrDeclLine), formData1},
		[2]uint64{uint64(dwarf.AttrRanges), formSecOffset})
	entry(8, dwarf.TagInlinedSubroutine, 0,
		[2]uint64{uint64(dwarf.AttrAbstractOrigin), formRef4},
		[2]uint64{uint64(dwarf.AttrCallFile), formData1},
		[2]uint64{uint64(dwarf.AttrCallLine), formData1})
	ab.WriteByte(0)
	return ab.Bytes()
}

func (fx *dwarfFixture) build(t *testing.T) *dwarf.Data {
	t.Helper()
	var ranges []byte
	if fx.ranges.Len() > 0 {
		ranges = fx.ranges.Bytes()
	}
	d, err := dwarf.New(fx.abbrev(), nil, nil, fx.info.Bytes(), fx.line.Bytes(), nil, ranges, nil)
	require.NoError(t, err)
	return d
}

// fakeImage satisfies DebugImage with prebuilt debug data, standing in
// for an on-disk ELF image.
type fakeImage struct {
	d    *dwarf.Data
	path string
}

func (f fakeImage) Path() string                { return f.path }
func (f fakeImage) DWARF() (*dwarf.Data, error) { return f.d, nil }
func (f fakeImage) Close() error                { return nil }

// brokenImage fails to surface debug data, standing in for a truncated
// or corrupt image.
type brokenImage struct {
	path string
}

func (b brokenImage) Path() string                { return b.path }
func (b brokenImage) DWARF() (*dwarf.Data, error) { return nil, errors.New("truncated debug data") }
func (b brokenImage) Close() error                { return nil }
