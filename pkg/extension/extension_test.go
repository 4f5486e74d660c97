// SPDX-License-Identifier: MPL-2.0

package extension

import (
	"context"
	"strings"
	"testing"

	"github.com/loom-run/loom/pkg/manifest"
	"github.com/loom-run/loom/pkg/pkgreg"
	"github.com/loom-run/loom/pkg/resolve"
	"github.com/loom-run/loom/pkg/vpath"
)

type (
	// recordingExtension implements every hook and records call order.
	recordingExtension struct {
		name  string
		log   *[]string
		fail  bool
		stamp string
	}

	mapLoader map[string]any
)

func (e *recordingExtension) InitExtension(pkg *pkgreg.Package) error {
	*e.log = append(*e.log, e.name+":init:"+pkg.Name())
	return nil
}

func (e *recordingExtension) ModuleLoaded(mod *resolve.Module) error {
	*e.log = append(*e.log, e.name+":loaded")
	return nil
}

func (e *recordingExtension) PreprocessSource(_ *pkgreg.Package, _ vpath.OSPath, source []byte) ([]byte, error) {
	*e.log = append(*e.log, e.name+":pre")
	return append(source, []byte("# "+e.stamp+"\n")...), nil
}

func (l mapLoader) LoadExtension(_ context.Context, request string, _ vpath.OSPath) (any, error) {
	return l[request], nil
}

func testPackage(extensions ...string) *pkgreg.Package {
	return &pkgreg.Package{
		Manifest: &manifest.Manifest{Name: "p", Version: "1.0.0", Extensions: extensions},
		Root:     "/p",
	}
}

func TestDispatcherFiresInManifestOrder(t *testing.T) {
	t.Parallel()

	var log []string
	loader := mapLoader{
		"ext-b": &recordingExtension{name: "b", log: &log, stamp: "b"},
		"ext-a": &recordingExtension{name: "a", log: &log, stamp: "a"},
	}
	d := NewDispatcher(loader)
	pkg := testPackage("ext-b", "ext-a")

	out, err := d.PreprocessSource(context.Background(), pkg, "/p/m.lsh", []byte("x=1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "# b") || !strings.Contains(string(out), "# a") {
		t.Errorf("source not transformed: %q", out)
	}

	want := []string{"b:init:p", "a:init:p", "b:pre", "a:pre"}
	for i, w := range want {
		if i >= len(log) || log[i] != w {
			t.Fatalf("call order = %v, want %v", log, want)
		}
	}

	// A second preprocess for the same package must not re-init.
	log = nil
	if _, err := d.PreprocessSource(context.Background(), pkg, "/p/m.lsh", []byte("y=2\n")); err != nil {
		t.Fatal(err)
	}
	for _, call := range log {
		if strings.Contains(call, ":init:") {
			t.Errorf("init fired twice: %v", log)
		}
	}
}

func TestFileScopedExtensionsSkipInit(t *testing.T) {
	t.Parallel()

	var log []string
	loader := mapLoader{
		"inline-ext": &recordingExtension{name: "i", log: &log, stamp: "i"},
	}
	d := NewDispatcher(loader)

	source := []byte("# loom-extensions: inline-ext\nx=1\n")
	if _, err := d.PreprocessSource(context.Background(), nil, "/w/m.lsh", source); err != nil {
		t.Fatal(err)
	}

	for _, call := range log {
		if strings.Contains(call, ":init:") {
			t.Fatalf("file-scoped extension received init_extension: %v", log)
		}
	}
	if len(log) == 0 || log[len(log)-1] != "i:pre" {
		t.Errorf("preprocess not fired for file-scoped extension: %v", log)
	}
}

func TestUnpackSyntaxTransform(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"simple",
			`{a, b} = require('x')`,
			`eval "$(require --bind 'x' a b)"`,
		},
		{
			"alias",
			`{a, b as c} = require('x')`,
			`eval "$(require --bind 'x' a b:c)"`,
		},
		{
			"indented",
			`  {v} = require('./u')`,
			`  eval "$(require --bind './u' v)"`,
		},
		{
			"untouched",
			`x = require('y')`,
			`x = require('y')`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := UnpackSyntax{}.PreprocessSource(nil, "f.lsh", []byte(tt.in))
			if err != nil {
				t.Fatal(err)
			}
			if string(out) != tt.want {
				t.Errorf("transform = %q, want %q", out, tt.want)
			}
		})
	}
}

func TestImportSyntaxTransform(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"list",
			`import {a, b as c} from 'x'`,
			`eval "$(require --bind 'x' a b:c)"`,
		},
		{
			"star",
			`import * from 'x'`,
			`eval "$(require --bind-all 'x')"`,
		},
		{
			"default",
			`import x from 'some-pkg'`,
			`x="$(require --print 'some-pkg')"`,
		},
		{
			"bare",
			`import './side-effects'`,
			`require './side-effects'`,
		},
		{
			"untouched",
			`important_variable=1`,
			`important_variable=1`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := ImportSyntax{}.PreprocessSource(nil, "f.lsh", []byte(tt.in))
			if err != nil {
				t.Fatal(err)
			}
			if string(out) != tt.want {
				t.Errorf("transform = %q, want %q", out, tt.want)
			}
		})
	}
}

func TestTransformsPreserveLineCount(t *testing.T) {
	t.Parallel()

	source := strings.Join([]string{
		`import {a} from 'x'`,
		`plain=1`,
		`{b as c} = require('y')`,
		`import * from 'z'`,
		``,
	}, "\n")

	for _, pre := range []Preprocessor{UnpackSyntax{}, ImportSyntax{}} {
		out, err := pre.PreprocessSource(nil, "f.lsh", []byte(source))
		if err != nil {
			t.Fatal(err)
		}
		if got, want := strings.Count(string(out), "\n"), strings.Count(source, "\n"); got != want {
			t.Errorf("%T changed line count: %d != %d", pre, got, want)
		}
	}
}
