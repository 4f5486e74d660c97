// SPDX-License-Identifier: MPL-2.0

package load

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/loom-run/loom/pkg/resolve"
	"github.com/loom-run/loom/pkg/vpath"
)

// requireCommand is the in-script command name the engine intercepts.
const requireCommand = "require"

// controlVars are interpreter-managed variables never captured into a
// module's namespace.
var controlVars = map[string]bool{
	"IFS": true, "OPTIND": true, "PWD": true, "OLDPWD": true,
	"GID": true, "UID": true, "EUID": true,
}

// Exec implements Loader: runs the prepared source under the module's
// namespace. Variables the script assigns are captured into the namespace
// when the run completes; the "exports" variable, if assigned, becomes the
// module's exported value.
func (l *SourceLoader) Exec(ctx context.Context, mod *resolve.Module, req Requirer) error {
	program, ok := mod.Program.(*ShellProgram)
	if !ok || program == nil {
		return &LoadError{Filename: mod.Filename, Reason: "module has no prepared program"}
	}

	stdin := l.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := l.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := l.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	env := append(os.Environ(),
		"__directory__="+mod.Directory().String(),
		"LOOM_MODULE="+mod.Filename.String(),
	)
	if mod.Request != nil && mod.Request.IsMain {
		env = append(env, "LOOM_MAIN=1")
	}

	runner, err := interp.New(
		interp.Dir(mod.Directory().String()),
		interp.Env(expand.ListEnviron(env...)),
		interp.StdIO(stdin, stdout, stderr),
		interp.ExecHandlers(requireHandler(mod, req)),
	)
	if err != nil {
		return fmt.Errorf("creating interpreter for %s: %w", mod.Filename, err)
	}

	if err := runner.Run(ctx, program.File); err != nil {
		// A failed run drops its bytecache so the next load reads the source again.
		if src, cache := siblingPaths(mod.RealFilename); src.IsFile() {
			_ = os.Remove(cache.String())
		}
		return fmt.Errorf("executing %s: %w", mod.Filename, err)
	}

	captureVars(runner, mod.Namespace)
	mod.ExecMTime = program.SourceMTime
	return nil
}

// RunSnippet parses and executes a one-off source string as an anonymous
// module rooted at dir, with the given require capability in scope. The
// runtime's -c flag is built on it.
func RunSnippet(ctx context.Context, src string, dir vpath.OSPath, req Requirer, stdin io.Reader, stdout, stderr io.Writer) (resolve.Namespace, error) {
	file, err := syntax.NewParser().Parse(strings.NewReader(src), "<expr>")
	if err != nil {
		return nil, fmt.Errorf("parsing expression: %w", err)
	}

	mod := &resolve.Module{
		Filename:     dir.Join("<expr>"),
		RealFilename: dir.Join("<expr>"),
		Request:      resolve.NewRequest("<expr>", resolve.WithCurrentDir(dir)),
		Namespace:    resolve.Namespace{"__directory__": dir.String()},
		Program:      &ShellProgram{File: file},
	}

	loader := &SourceLoader{Stdin: stdin, Stdout: stdout, Stderr: stderr}
	if err := loader.Exec(ctx, mod, req); err != nil {
		return nil, err
	}
	return mod.Namespace, nil
}

// captureVars copies the variables a run assigned into the namespace,
// skipping interpreter control variables.
func captureVars(runner *interp.Runner, ns resolve.Namespace) {
	for name, v := range runner.Vars {
		if controlVars[name] {
			continue
		}
		ns.Set(name, v.String())
	}
}

// requireHandler intercepts the "require" command inside module scripts and
// routes it through the module's require capability. Supported forms:
//
//	require REQUEST                   load for side effects
//	require --print REQUEST           write the exported value to stdout
//	require --bind REQUEST n[:alias]  print shell assignments for members
//	require --bind-all REQUEST        print assignments for all public members
func requireHandler(mod *resolve.Module, req Requirer) func(interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
		return func(ctx context.Context, args []string) error {
			if len(args) == 0 || args[0] != requireCommand {
				return next(ctx, args)
			}
			hc := interp.HandlerCtx(ctx)
			if err := runRequire(ctx, mod, req, args[1:], hc.Stdout, hc.Stderr); err != nil {
				fmt.Fprintln(hc.Stderr, err)
				return interp.NewExitStatus(1)
			}
			return nil
		}
	}
}

func runRequire(ctx context.Context, mod *resolve.Module, req Requirer, args []string, stdout, stderr io.Writer) error {
	if req == nil {
		return fmt.Errorf("require: no require capability in this scope")
	}

	mode := ""
	if len(args) > 0 && strings.HasPrefix(args[0], "--") {
		mode, args = args[0], args[1:]
	}
	if len(args) == 0 {
		return fmt.Errorf("require: missing request")
	}
	request, names := args[0], args[1:]

	value, err := req.Require(ctx, request, mod.Directory())
	if err != nil {
		return err
	}

	switch mode {
	case "":
		return nil
	case "--print":
		fmt.Fprintln(stdout, stringify(value))
		return nil
	case "--bind":
		return printBindings(stdout, request, value, names)
	case "--bind-all":
		return printBindings(stdout, request, value, nil)
	default:
		return fmt.Errorf("require: unknown flag %s", mode)
	}
}

// printBindings writes shell assignments for the requested namespace
// members. Each name may carry an ":alias" part renaming the shell
// variable. An empty names list binds every public member.
func printBindings(w io.Writer, request string, value any, names []string) error {
	members, ok := memberTable(value)
	if !ok {
		return fmt.Errorf("require: %q does not export a namespace to bind from", request)
	}

	if len(names) == 0 {
		for name := range members {
			if !strings.HasPrefix(name, "_") && name != "module" && name != "require" {
				names = append(names, name)
			}
		}
	}

	for _, spec := range names {
		name, alias, found := strings.Cut(spec, ":")
		if !found {
			alias = name
		}
		member, ok := members[name]
		if !ok {
			return fmt.Errorf("require: %q has no member %q", request, name)
		}
		quoted, err := syntax.Quote(stringify(member), syntax.LangBash)
		if err != nil {
			return fmt.Errorf("require: quoting member %q: %w", name, err)
		}
		fmt.Fprintf(w, "%s=%s\n", alias, quoted)
	}
	return nil
}

// memberTable views an exported value as a name-to-value table.
func memberTable(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case resolve.Namespace:
		return v, true
	case map[string]any:
		return v, true
	default:
		return nil, false
	}
}

// stringify renders an exported value for shell consumption: strings pass
// through, composites serialize as JSON.
func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case vpath.OSPath:
		return v.String()
	case fmt.Stringer:
		return v.String()
	case resolve.Namespace:
		public := make(map[string]any, len(v))
		for name, member := range v {
			if !strings.HasPrefix(name, "_") && name != "module" && name != "require" {
				public[name] = member
			}
		}
		return stringifyJSON(public)
	case map[string]any, []any:
		return stringifyJSON(v)
	default:
		return fmt.Sprint(v)
	}
}

func stringifyJSON(value any) string {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(data)
}
