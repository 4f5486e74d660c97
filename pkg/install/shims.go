// SPDX-License-Identifier: MPL-2.0

package install

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/loom-run/loom/pkg/platform"
	"github.com/loom-run/loom/pkg/vpath"
)

const (
	// BinDirName is the shim directory below a modules directory.
	BinDirName = ".bin"

	// EnvMarkerName is the file inside the shim directory recording the
	// directory's own absolute path, for shell PATH integration.
	EnvMarkerName = "env"
)

var (
	posixShimTemplate = template.Must(template.New("posix").Parse(
		"#!/bin/sh\nexec loom {{.Request}} \"$@\"\n"))

	cmdShimTemplate = template.Must(template.New("cmd").Parse(
		"@echo off\r\nloom {{.Request}} %*\r\n"))

	posixProxyTemplate = template.Must(template.New("proxy").Parse(
		"#!/bin/sh\nLOOM_MODULES_PATH={{.Modules}}${LOOM_MODULES_PATH:+:$LOOM_MODULES_PATH}\nexport LOOM_MODULES_PATH\nexec {{.Target}} \"$@\"\n"))
)

// ShimWriter emits executable launchers into a modules directory's .bin
// subdirectory. Each launcher re-invokes the runtime with a fixed request.
type ShimWriter struct {
	modulesDir vpath.OSPath
}

// NewShimWriter creates a ShimWriter for the given modules directory.
func NewShimWriter(modulesDir vpath.OSPath) *ShimWriter {
	return &ShimWriter{modulesDir: modulesDir}
}

// BinDir returns the shim directory.
func (w *ShimWriter) BinDir() vpath.OSPath {
	return w.modulesDir.Join(BinDirName)
}

// Write emits the launcher(s) for a bin entry. On Windows an additional
// .cmd wrapper is produced since the POSIX script is not directly
// executable there.
func (w *ShimWriter) Write(name, request string) error {
	if platform.IsWindowsReservedName(name) {
		return fmt.Errorf("install: bin name %q is reserved on Windows", name)
	}
	if err := os.MkdirAll(w.BinDir().String(), 0o755); err != nil {
		return fmt.Errorf("install: creating bin directory: %w", err)
	}

	data := struct{ Request string }{Request: shellQuote(request)}

	if err := w.render(posixShimTemplate, name, data, 0o755); err != nil {
		return err
	}
	if platform.IsWindows() {
		return w.render(cmdShimTemplate, name+".cmd", data, 0o755)
	}
	return nil
}

// WriteProxy emits a launcher that re-executes target with the modules
// directory prepended to the module search path. Shims a native installer
// produced are wrapped this way so they observe loom-placed modules.
func (w *ShimWriter) WriteProxy(name string, target vpath.OSPath) error {
	if err := os.MkdirAll(w.BinDir().String(), 0o755); err != nil {
		return fmt.Errorf("install: creating bin directory: %w", err)
	}
	data := struct{ Modules, Target string }{
		Modules: shellQuote(w.modulesDir.String()),
		Target:  shellQuote(target.String()),
	}
	return w.render(posixProxyTemplate, name, data, 0o755)
}

// WriteEnvMarker records the shim directory's absolute path in its env
// file, so shells can discover what to put on PATH.
func (w *ShimWriter) WriteEnvMarker() error {
	if err := os.MkdirAll(w.BinDir().String(), 0o755); err != nil {
		return fmt.Errorf("install: creating bin directory: %w", err)
	}
	abs, err := w.BinDir().Abs()
	if err != nil {
		return err
	}
	return writeFileIfChanged(w.BinDir().Join(EnvMarkerName), []byte(abs.String()+"\n"))
}

// Remove deletes the launcher(s) for a bin entry.
func (w *ShimWriter) Remove(name string) error {
	for _, file := range []string{name, name + ".cmd"} {
		if err := os.Remove(w.BinDir().Join(file).String()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("install: removing shim %s: %w", file, err)
		}
	}
	return nil
}

func (w *ShimWriter) render(tmpl *template.Template, file string, data any, mode os.FileMode) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("install: rendering shim %s: %w", file, err)
	}

	path := w.BinDir().Join(file)
	if existing, err := os.ReadFile(path.String()); err == nil && bytes.Equal(existing, buf.Bytes()) {
		return nil
	}
	if err := os.WriteFile(path.String(), buf.Bytes(), mode); err != nil {
		return fmt.Errorf("install: writing shim %s: %w", file, err)
	}
	return nil
}

// shellQuote single-quotes a value for embedding in a shim script.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
