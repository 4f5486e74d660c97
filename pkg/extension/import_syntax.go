// SPDX-License-Identifier: MPL-2.0

package extension

import (
	"regexp"
	"strings"

	"github.com/loom-run/loom/pkg/pkgreg"
	"github.com/loom-run/loom/pkg/vpath"
)

// ImportSyntaxName is the binding the built-in import-syntax extension is
// registered under.
const ImportSyntaxName = "import-syntax"

var (
	// import {a, b as c} from 'x'
	importListPattern = regexp.MustCompile(`^(\s*)import\s*\{\s*([^}]+?)\s*\}\s*from\s*(['"])([^'"]+)['"]\s*$`)

	// import * from 'x'
	importStarPattern = regexp.MustCompile(`^(\s*)import\s*\*\s*from\s*(['"])([^'"]+)['"]\s*$`)

	// import x from 'x'
	importDefaultPattern = regexp.MustCompile(`^(\s*)import\s+([A-Za-z_][A-Za-z0-9_]*)\s+from\s*(['"])([^'"]+)['"]\s*$`)

	// import 'x'
	importBarePattern = regexp.MustCompile(`^(\s*)import\s*(['"])([^'"]+)['"]\s*$`)
)

// ImportSyntax is a built-in extension rewriting import-statement sugar
// into require invocations. Each form maps one line to one line, so
// diagnostics keep their positions.
type ImportSyntax struct{}

// PreprocessSource implements Preprocessor.
func (ImportSyntax) PreprocessSource(_ *pkgreg.Package, _ vpath.OSPath, source []byte) ([]byte, error) {
	lines := strings.Split(string(source), "\n")
	for i, line := range lines {
		lines[i] = rewriteImport(line)
	}
	return []byte(strings.Join(lines, "\n")), nil
}

func rewriteImport(line string) string {
	if m := importListPattern.FindStringSubmatch(line); m != nil {
		indent, members, request := m[1], m[2], m[4]
		return indent + `eval "$(require --bind '` + request + `' ` + memberSpecs(members) + `)"`
	}
	if m := importStarPattern.FindStringSubmatch(line); m != nil {
		indent, request := m[1], m[3]
		return indent + `eval "$(require --bind-all '` + request + `')"`
	}
	if m := importDefaultPattern.FindStringSubmatch(line); m != nil {
		indent, name, request := m[1], m[2], m[4]
		return indent + name + `="$(require --print '` + request + `')"`
	}
	if m := importBarePattern.FindStringSubmatch(line); m != nil {
		indent, request := m[1], m[3]
		return indent + `require '` + request + `'`
	}
	return line
}
