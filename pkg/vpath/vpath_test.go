// SPDX-License-Identifier: MPL-2.0

package vpath

import "testing"

func TestOSPathJoinAndDir(t *testing.T) {
	t.Parallel()

	p := OSPath("/tmp/mods").Join("example", "1.0.0")
	if p.String() != "/tmp/mods/example/1.0.0" {
		t.Errorf("Join() = %q", p)
	}
	if p.Dir().String() != "/tmp/mods/example" {
		t.Errorf("Dir() = %q", p.Dir())
	}
	if p.Base() != "1.0.0" {
		t.Errorf("Base() = %q", p.Base())
	}
}

func TestOSPathValidate(t *testing.T) {
	t.Parallel()

	if err := OSPath("").Validate(); err == nil {
		t.Error("expected error for empty OSPath")
	}
	if err := OSPath("x").Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestURLPathValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		url     URLPath
		wantErr bool
	}{
		{"https", "https://registry.example.org/mod/1.0.0", false},
		{"scp_git", "git@github.com:owner/repo.git", false},
		{"empty", "", true},
	}

	for _, tt := range tests {
		if err := tt.url.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestArchivePathRoundTrip(t *testing.T) {
	t.Parallel()

	osPath := OSPath("sub/dir/file.txt")
	arc := FromOSPath(osPath)
	if arc.String() != "sub/dir/file.txt" {
		t.Errorf("FromOSPath() = %q", arc)
	}

	back, err := ToOSPath(arc)
	if err != nil {
		t.Fatal(err)
	}
	if back.String() != "sub/dir/file.txt" {
		t.Errorf("ToOSPath() = %q", back)
	}
}

func TestToOSPathRejectsEscape(t *testing.T) {
	t.Parallel()

	if _, err := ToOSPath(ArchivePath("../../etc/passwd")); err == nil {
		t.Error("expected error for path traversal escape")
	}
	if _, err := ToOSPath(ArchivePath("/etc/passwd")); err == nil {
		t.Error("expected error for absolute archive member path")
	}
}
