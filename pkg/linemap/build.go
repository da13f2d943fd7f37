// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package linemap

import (
	"debug/dwarf"

	"github.com/spf13/afero"

	"github.com/DataDog/causalprof/pkg/object"
	"github.com/DataDog/causalprof/pkg/procmaps"
	"github.com/DataDog/causalprof/pkg/util/log"
)

// DebugImage is what Build needs from a located debug file: a path for
// diagnostics and the parsed DWARF data.
type DebugImage interface {
	Path() string
	DWARF() (*dwarf.Data, error)
	Close() error
}

// BuildOptions configure a Build pass. The zero value inspects the
// current process and indexes only the main executable; Scope almost
// always needs to be set, since an empty scope matches no source file
// and yields an empty index.
type BuildOptions struct {
	// Scope holds the source path prefixes to attribute lines under.
	Scope []string
	// IncludeLibraries extends enumeration past the main executable to
	// every mapped shared object.
	IncludeLibraries bool
	// PID selects the process to inspect, the current one when zero.
	PID int
	// ProcRoot overrides the proc mount point. Empty means /proc,
	// subject to the HOST_PROC override.
	ProcRoot string
	// Fs is the filesystem debug images are searched on, the host
	// filesystem when nil.
	Fs afero.Fs
	// Locate overrides the debug image locator. It must return nil for
	// a module without usable debug information.
	Locate func(path string) DebugImage
}

// Build enumerates the modules mapped into the target process, locates
// each one's debug image, and indexes every in-scope line table row and
// inlined subroutine. A module without locatable debug information is
// skipped, and a module whose debug data cannot be parsed is abandoned
// with a warning; neither aborts the pass. Partial coverage is a normal
// outcome on systems without split debug packages installed.
func (m *Map) Build(opts BuildOptions) {
	scope := NewScope(opts.Scope...)
	locate := opts.Locate
	if locate == nil {
		locate = osLocator(opts.Fs)
	}
	var popts []procmaps.Option
	if opts.ProcRoot != "" {
		popts = append(popts, procmaps.WithProcRoot(opts.ProcRoot))
	}
	if opts.PID > 0 {
		popts = append(popts, procmaps.WithPID(opts.PID))
	}
	for _, mod := range procmaps.New(popts...).Enumerate(opts.IncludeLibraries) {
		img := locate(mod.Path)
		if img == nil {
			log.Infof("Unable to locate debug information for %s", mod.Path)
			continue
		}
		if err := m.processImage(img, mod.Base, scope); err != nil {
			log.Warnf("Processing file %q failed: %s", mod.Path, err)
		} else {
			log.Infof("Including lines from %s", mod.Path)
		}
		if err := img.Close(); err != nil {
			log.Debugf("closing %s: %s", img.Path(), err)
		}
	}
}

// Build constructs a fresh index per opts.
func Build(opts BuildOptions) *Map {
	m := NewMap()
	m.Build(opts)
	return m
}

func osLocator(fs afero.Fs) func(string) DebugImage {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	loc := object.NewLocator(fs)
	return func(path string) DebugImage {
		// Keep the typed nil out of the interface.
		if f := loc.Locate(path); f != nil {
			return f
		}
		return nil
	}
}
