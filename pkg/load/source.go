// SPDX-License-Identifier: MPL-2.0

package load

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
	"mvdan.cc/sh/v3/syntax"

	"github.com/loom-run/loom/pkg/pkgreg"
	"github.com/loom-run/loom/pkg/resolve"
	"github.com/loom-run/loom/pkg/vpath"
)

const (
	// SourceSuffix is the module source file suffix.
	SourceSuffix = ".lsh"

	// BytecacheSuffix is the preprocessed-source cache file suffix. A
	// bytecache holds the source after decoding and extension transforms,
	// so re-executions skip both.
	BytecacheSuffix = ".lshc"

	// SourceLoaderName is the id an explicit loader hint selects.
	SourceLoaderName = "source"
)

// codingPattern matches an in-file coding declaration on one of the first
// two lines, e.g. "# -*- coding: latin-1 -*-".
var codingPattern = regexp.MustCompile(`coding[:=]\s*([-\w.]+)`)

type (
	// Preprocessor rewrites module source before compilation. The extension
	// dispatcher implements it; the loader only sees this surface. The
	// rewrite must preserve line counts so diagnostics stay usable.
	Preprocessor interface {
		PreprocessSource(ctx context.Context, pkg *pkgreg.Package, filename vpath.OSPath, source []byte) ([]byte, error)
	}

	// SourceLoader loads and executes shell-dialect module sources. Source
	// text is decoded (honoring an in-file coding declaration), run through
	// the active extensions' preprocessors, cached as a bytecache sibling,
	// parsed, and executed under the module's namespace.
	SourceLoader struct {
		// Preprocessor is the extension dispatch hook, nil for none.
		Preprocessor Preprocessor

		// NoBytecacheWrite suppresses writing the bytecache sibling.
		NoBytecacheWrite bool

		// Stdin, Stdout, Stderr are the module's standard streams. Nil
		// fields default to the process streams at exec time.
		Stdin          io.Reader
		Stdout, Stderr io.Writer
	}

	// ShellProgram is the prepared artifact a SourceLoader stores on
	// Module.Program.
	ShellProgram struct {
		// File is the parsed source.
		File *syntax.File

		// SourceMTime is the source file's mtime captured at load, the
		// value ExecMTime takes when execution succeeds.
		SourceMTime time.Time

		// InlineExtensions are extension names declared by an in-file
		// comment, active for this file only.
		InlineExtensions []string
	}
)

// Name implements Loader.
func (l *SourceLoader) Name() string { return SourceLoaderName }

// Suffixes implements Loader. The bytecache suffix is listed first so a
// request naming it explicitly loads the cache directly.
func (l *SourceLoader) Suffixes() []string { return []string{BytecacheSuffix, SourceSuffix} }

// CanLoad implements Loader.
func (l *SourceLoader) CanLoad(path vpath.OSPath) bool {
	name := path.String()
	return strings.HasSuffix(name, SourceSuffix) || strings.HasSuffix(name, BytecacheSuffix)
}

// Load implements Loader: reads (or recovers from bytecache), decodes,
// preprocesses, and parses the module's source.
func (l *SourceLoader) Load(ctx context.Context, mod *resolve.Module) error {
	path := mod.RealFilename
	srcPath, cachePath := siblingPaths(path)

	source, srcMTime, fromCache, err := l.readSource(srcPath, cachePath)
	if err != nil {
		return err
	}

	if !fromCache {
		if l.Preprocessor != nil {
			source, err = l.Preprocessor.PreprocessSource(ctx, mod.Package, mod.Filename, source)
			if err != nil {
				return fmt.Errorf("preprocessing %s: %w", mod.Filename, err)
			}
		}
		if !l.NoBytecacheWrite {
			// Best effort: an unwritable directory must not fail the load.
			_ = os.WriteFile(cachePath.String(), source, 0o644)
		}
	}

	file, err := syntax.NewParser().Parse(bytes.NewReader(source), path.Base())
	if err != nil {
		return &LoadError{Filename: mod.Filename, Reason: "parsing source", Err: err}
	}

	mod.Namespace = resolve.Namespace{
		"__directory__": mod.Directory().String(),
		"module":        mod,
	}
	mod.Program = &ShellProgram{
		File:             file,
		SourceMTime:      srcMTime,
		InlineExtensions: ScanInlineExtensions(source),
	}
	return nil
}

// readSource returns the effective source text: the bytecache sibling when
// its mtime is at least the source's AND it is readable, else the decoded
// and not-yet-preprocessed source file.
func (l *SourceLoader) readSource(srcPath, cachePath vpath.OSPath) (source []byte, srcMTime time.Time, fromCache bool, err error) {
	srcInfo, srcErr := os.Stat(srcPath.String())
	if srcErr == nil {
		srcMTime = srcInfo.ModTime()
	}

	if cacheInfo, err := os.Stat(cachePath.String()); err == nil {
		if srcErr != nil || !cacheInfo.ModTime().Before(srcMTime) {
			if data, err := os.ReadFile(cachePath.String()); err == nil {
				if srcErr != nil {
					srcMTime = cacheInfo.ModTime()
				}
				return data, srcMTime, true, nil
			}
			// Unreadable bytecache: fall through to the source file.
		}
	}

	if srcErr != nil {
		return nil, time.Time{}, false, &LoadError{Filename: srcPath, Reason: "reading source", Err: srcErr}
	}

	raw, err := os.ReadFile(srcPath.String())
	if err != nil {
		return nil, time.Time{}, false, &LoadError{Filename: srcPath, Reason: "reading source", Err: err}
	}

	decoded, err := decodeSource(raw)
	if err != nil {
		return nil, time.Time{}, false, &LoadError{Filename: srcPath, Reason: "decoding source", Err: err}
	}
	return decoded, srcMTime, false, nil
}

// siblingPaths maps either spelling of a module source location to the
// (source, bytecache) pair.
func siblingPaths(path vpath.OSPath) (src, cache vpath.OSPath) {
	name := path.String()
	if base, ok := strings.CutSuffix(name, BytecacheSuffix); ok {
		return vpath.OSPath(base + SourceSuffix), path
	}
	base := strings.TrimSuffix(name, SourceSuffix)
	return path, vpath.OSPath(base + BytecacheSuffix)
}

// decodeSource converts raw source bytes to UTF-8, honoring a coding
// declaration found on one of the first two lines.
func decodeSource(raw []byte) ([]byte, error) {
	name := sniffCoding(raw)
	if name == "" || strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return raw, nil
	}

	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("unknown source encoding %q", name)
	}

	decoded, _, err := transform.Bytes(enc.NewDecoder(), raw)
	if err != nil {
		return nil, fmt.Errorf("decoding %s source: %w", name, err)
	}
	return decoded, nil
}

// sniffCoding returns the declared coding name from the first two lines,
// "" when none is declared.
func sniffCoding(raw []byte) string {
	rest := raw
	for line := 0; line < 2; line++ {
		idx := bytes.IndexByte(rest, '\n')
		var current []byte
		if idx == -1 {
			current, rest = rest, nil
		} else {
			current, rest = rest[:idx], rest[idx+1:]
		}
		if bytes.HasPrefix(bytes.TrimSpace(current), []byte("#")) {
			if m := codingPattern.FindSubmatch(current); m != nil {
				return string(m[1])
			}
		}
		if rest == nil {
			break
		}
	}
	return ""
}

// ScanInlineExtensions reads the "# loom-extensions: a, b" declaration from
// the first five lines of source, returning the named extensions in
// declaration order.
func ScanInlineExtensions(source []byte) []string {
	const marker = "loom-extensions:"

	lines := bytes.SplitN(source, []byte("\n"), 6)
	for i := 0; i < len(lines) && i < 5; i++ {
		line := strings.TrimSpace(string(lines[i]))
		if !strings.HasPrefix(line, "#") {
			continue
		}
		body := strings.TrimSpace(strings.TrimPrefix(line, "#"))
		rest, ok := strings.CutPrefix(body, marker)
		if !ok {
			continue
		}

		var names []string
		for _, name := range strings.Split(rest, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
		return names
	}
	return nil
}
