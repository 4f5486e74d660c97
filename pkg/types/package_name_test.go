// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"testing"
)

func TestPackageName_IsValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pkg     PackageName
		want    bool
		wantErr bool
	}{
		// Valid cases
		{"simple name", PackageName("util"), true, false},
		{"with digits", PackageName("util2"), true, false},
		{"with dots and dashes", PackageName("my.pkg-name_x"), true, false},
		{"scoped", PackageName("@scope/util"), true, false},
		{"scoped with dots", PackageName("@my.org/util"), true, false},

		// Invalid cases
		{"empty", PackageName(""), false, true},
		{"space", PackageName("has space"), false, true},
		{"slash without scope", PackageName("a/b"), false, true},
		{"bare scope", PackageName("@scope/"), false, true},
		{"double scope", PackageName("@a/@b/c"), false, true},
		{"shell metachar", PackageName("pkg;rm"), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			isValid, errs := tt.pkg.IsValid()
			if isValid != tt.want {
				t.Errorf("PackageName(%q).IsValid() = %v, want %v", tt.pkg, isValid, tt.want)
			}
			if tt.wantErr {
				if len(errs) == 0 {
					t.Fatalf("PackageName(%q).IsValid() returned no errors, want error", tt.pkg)
				}
				if !errors.Is(errs[0], ErrInvalidPackageName) {
					t.Errorf("error should wrap ErrInvalidPackageName, got: %v", errs[0])
				}
			}
		})
	}
}

func TestPackageName_ScopeAndBare(t *testing.T) {
	t.Parallel()

	scoped := PackageName("@scope/util")
	if scoped.Scope() != "@scope" || scoped.Bare() != "util" {
		t.Errorf("scoped = %q/%q", scoped.Scope(), scoped.Bare())
	}

	plain := PackageName("util")
	if plain.Scope() != "" || plain.Bare() != "util" {
		t.Errorf("plain = %q/%q", plain.Scope(), plain.Bare())
	}
}
