// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package object opens ELF images and locates the image carrying the
// debug information of a loaded module, following the build-id and
// debug-link conventions for split debug files.
package object

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"encoding/hex"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/afero"
)

// File is an opened ELF image. It exposes the narrow capability surface
// the rest of the engine needs: debug-section presence, identifying
// notes, and the parsed DWARF data.
type File struct {
	path string
	f    afero.File
	elf  *elf.File
}

// Open opens path on fs and parses it as an ELF image.
//
// The debug/elf parser is not hardened against all malformed inputs, so
// parsing runs behind a recover that converts panics into errors.
func Open(fs afero.Fs, path string) (file *File, err error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()

	ef, err := parseELF(f)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "parsing %s", path)
	}
	return &File{path: path, f: f, elf: ef}, nil
}

func parseELF(f afero.File) (ef *elf.File, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if e, ok := r.(error); ok {
			err = pkgerrors.Wrap(e, "elf: panic")
		} else {
			err = pkgerrors.Errorf("elf: panic: %v", r)
		}
	}()
	return elf.NewFile(f)
}

// Close releases the underlying file handle.
func (f *File) Close() error {
	return f.f.Close()
}

// Path returns the on-disk path the image was opened from.
func (f *File) Path() string {
	return f.path
}

// HasDebugInfo reports whether the image carries a DWARF info section,
// in either its plain or compressed spelling.
func (f *File) HasDebugInfo() bool {
	return f.elf.Section(".debug_info") != nil || f.elf.Section(".zdebug_info") != nil
}

// DWARF returns the image's parsed DWARF data. The debug/dwarf loader
// panics on some malformed inputs; those are converted into errors.
func (f *File) DWARF() (data *dwarf.Data, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if e, ok := r.(error); ok {
			err = pkgerrors.Wrap(e, "dwarf: panic")
		} else {
			err = pkgerrors.Errorf("dwarf: panic: %v", r)
		}
	}()
	data, err = f.elf.DWARF()
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "loading DWARF from %s", f.path)
	}
	return data, nil
}

// GNU note type for the build-id record, per the gABI note format.
const ntGNUBuildID = 3

// GNUBuildID scans the image's note sections for a GNU build-id record
// and returns its descriptor as lowercase hex, or "" when absent.
//
// Note sections pack records of (namesz, descsz, type, name, desc) with
// the name and descriptor fields padded to 4-byte boundaries.
func (f *File) GNUBuildID() string {
	bo := f.elf.ByteOrder
	for _, s := range f.elf.Sections {
		if s.Type != elf.SHT_NOTE {
			continue
		}
		data, err := s.Data()
		if err != nil {
			continue
		}
		for len(data) >= 12 {
			namesz := uint64(bo.Uint32(data[0:4]))
			descsz := uint64(bo.Uint32(data[4:8]))
			typ := bo.Uint32(data[8:12])

			nameEnd := 12 + align4(namesz)
			descEnd := nameEnd + align4(descsz)
			if descEnd > uint64(len(data)) {
				// Truncated or malformed record; skip the section.
				break
			}
			if typ == ntGNUBuildID && descsz > 0 {
				return hex.EncodeToString(data[nameEnd : nameEnd+descsz])
			}
			data = data[descEnd:]
		}
	}
	return ""
}

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}

// DebugLink returns the external debug file name recorded in the
// image's .gnu_debuglink section, or "" when absent. The section holds
// a NUL-terminated file name followed by a checksum, which is ignored.
func (f *File) DebugLink() string {
	s := f.elf.Section(".gnu_debuglink")
	if s == nil {
		return ""
	}
	data, err := s.Data()
	if err != nil {
		return ""
	}
	end := bytes.IndexByte(data, 0)
	if end <= 0 {
		return ""
	}
	return string(data[:end])
}
