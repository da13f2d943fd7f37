// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package object

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/DataDog/causalprof/pkg/util/log"
)

// debugRoot is the system root for split debug files.
const debugRoot = "/usr/lib/debug"

// Locator finds the ELF image that carries debug information for a
// module, trying the module itself, then a build-id derived path, then
// the debug-link derived paths.
type Locator struct {
	fs afero.Fs
}

// NewLocator returns a Locator probing candidate files on fs.
func NewLocator(fs afero.Fs) *Locator {
	return &Locator{fs: fs}
}

// Locate resolves name to an on-disk ELF image containing debug
// information and returns it, or nil when no such image can be found.
// Failure to find or parse anything is never an error; the module is
// just left without line attribution.
func (l *Locator) Locate(name string) *File {
	full := l.resolvePath(name)
	if full == "" {
		return nil
	}

	f, err := Open(l.fs, full)
	if err != nil {
		log.Debugf("cannot open %s as an ELF image: %s", full, err)
		return nil
	}
	if f.HasDebugInfo() {
		return f
	}

	// The image itself is stripped. Assemble the fallback candidates:
	// the build-id path first, then the three debug-link locations.
	var candidates []string
	if id := f.GNUBuildID(); len(id) > 2 {
		candidates = append(candidates, filepath.Join(debugRoot, ".build-id", id[:2], id[2:]+".debug"))
	}
	dir := filepath.Dir(full)
	if link := f.DebugLink(); link != "" {
		candidates = append(candidates,
			filepath.Join(dir, link),
			filepath.Join(dir, ".debug", link),
			filepath.Join(debugRoot+dir, link),
		)
	}
	f.Close()

	var merr *multierror.Error
	for _, candidate := range candidates {
		g, err := Open(l.fs, candidate)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if g.HasDebugInfo() {
			return g
		}
		g.Close()
		merr = multierror.Append(merr, pkgerrors.Errorf("%s: no debug info section", candidate))
	}
	if err := merr.ErrorOrNil(); err != nil {
		log.Debugf("no debug image found for %s: %s", name, err)
	}
	return nil
}

// resolvePath turns a module name into an absolute path: absolute paths
// pass through, paths containing a separator are absolutized, and bare
// names are searched across $PATH, first existing match wins.
func (l *Locator) resolvePath(name string) string {
	if name == "" {
		return ""
	}
	if filepath.IsAbs(name) {
		return name
	}
	if strings.ContainsRune(name, '/') {
		full, err := filepath.Abs(name)
		if err != nil {
			return ""
		}
		return full
	}
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, name)
		if ok, _ := afero.Exists(l.fs, p); ok {
			return p
		}
	}
	return ""
}
