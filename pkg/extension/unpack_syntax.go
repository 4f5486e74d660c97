// SPDX-License-Identifier: MPL-2.0

package extension

import (
	"regexp"
	"strings"

	"github.com/loom-run/loom/pkg/pkgreg"
	"github.com/loom-run/loom/pkg/vpath"
)

// UnpackSyntaxName is the binding the built-in unpack-syntax extension is
// registered under.
const UnpackSyntaxName = "unpack-syntax"

// unpackPattern matches a destructuring require:
//
//	{a, b as c} = require('x')
var unpackPattern = regexp.MustCompile(`^(\s*)\{\s*([^}]+?)\s*\}\s*=\s*require\(\s*(['"])([^'"]+)['"]\s*\)\s*$`)

// UnpackSyntax is a built-in extension rewriting destructuring require
// lines into require --bind invocations. The rewrite is purely textual and
// one-line-to-one-line, so line numbers in diagnostics stay valid.
type UnpackSyntax struct{}

// PreprocessSource implements Preprocessor.
func (UnpackSyntax) PreprocessSource(_ *pkgreg.Package, _ vpath.OSPath, source []byte) ([]byte, error) {
	lines := strings.Split(string(source), "\n")
	for i, line := range lines {
		m := unpackPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		indent, members, request := m[1], m[2], m[4]
		lines[i] = indent + `eval "$(require --bind '` + request + `' ` + memberSpecs(members) + `)"`
	}
	return []byte(strings.Join(lines, "\n")), nil
}

// memberSpecs converts "a, b as c" into the "a b:c" argument form the
// require --bind command takes.
func memberSpecs(members string) string {
	parts := strings.Split(members, ",")
	specs := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if name, alias, found := cutAs(part); found {
			specs = append(specs, name+":"+alias)
		} else {
			specs = append(specs, part)
		}
	}
	return strings.Join(specs, " ")
}

// cutAs splits "name as alias" around the "as" keyword.
func cutAs(s string) (name, alias string, found bool) {
	fields := strings.Fields(s)
	if len(fields) == 3 && fields[1] == "as" {
		return fields[0], fields[2], true
	}
	return s, "", false
}
