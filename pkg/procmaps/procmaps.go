// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package procmaps enumerates the executable images mapped into a live
// process by reading its proc mapping table.
package procmaps

import (
	"errors"
	"os"
	"strings"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/DataDog/causalprof/pkg/util/log"
)

// Module is one distinct executable image mapped into the inspected
// process: its absolute on-disk path and the address it is loaded at.
type Module struct {
	Path string
	Base uint64
}

// Enumerator reads the mapping table of a single process.
type Enumerator struct {
	procRoot string
	pid      int
}

// Option configures an Enumerator.
type Option func(*Enumerator)

// WithProcRoot overrides the proc mount point used to reach the mapping
// table. The default is /proc, or HOST_PROC when set.
func WithProcRoot(root string) Option {
	return func(e *Enumerator) {
		e.procRoot = root
	}
}

// WithPID selects the process to inspect. The default is the current
// process.
func WithPID(pid int) Option {
	return func(e *Enumerator) {
		if pid > 0 {
			e.pid = pid
		}
	}
}

// New returns an Enumerator for the current process under the default
// proc mount point, adjusted by opts.
func New(opts ...Option) *Enumerator {
	e := &Enumerator{
		procRoot: procPath(),
		pid:      os.Getpid(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func procPath() string {
	if procPath, ok := os.LookupEnv("HOST_PROC"); ok {
		return procPath
	}
	return "/proc"
}

// Enumerate returns the distinct executable images mapped into the
// process, in mapping-table order of first occurrence. A mapping names a
// module when its file offset is zero, it is mapped executable, and its
// backing path is absolute; anonymous and pseudo mappings never qualify.
// A path seen more than once keeps the base of its first mapping. When
// includeLibraries is false enumeration stops at the first module, the
// main executable.
//
// An unreadable mapping table yields an empty result; it is reported as
// a diagnostic, not an error, so callers proceed with an empty index.
func (e *Enumerator) Enumerate(includeLibraries bool) []Module {
	fs, err := procfs.NewFS(e.procRoot)
	if err != nil {
		log.Warnf("cannot open proc filesystem at %s: %s", e.procRoot, err)
		return nil
	}
	proc, err := fs.Proc(e.pid)
	if err != nil {
		log.Warnf("cannot inspect process %d: %s", e.pid, err)
		return nil
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		log.Warnf("cannot read mapping table of process %d: %s", e.pid, err)
		return nil
	}

	var modules []Module
	seen := make(map[string]struct{})
	for _, m := range maps {
		if m.Offset != 0 || m.Perms == nil || !m.Perms.Execute {
			continue
		}
		if !strings.HasPrefix(m.Pathname, "/") {
			continue
		}
		if _, ok := seen[m.Pathname]; ok {
			continue
		}
		seen[m.Pathname] = struct{}{}
		modules = append(modules, Module{Path: m.Pathname, Base: uint64(m.StartAddr)})
		if !includeLibraries {
			break
		}
	}
	return modules
}

// Alive reports whether pid refers to a live process. A process we lack
// permission to signal still counts as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		pid = os.Getpid()
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return !errors.Is(err, unix.ESRCH)
}
