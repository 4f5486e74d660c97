// SPDX-License-Identifier: MPL-2.0

package config

import "strconv"

// Environment variables recognized by the runtime.
const (
	// EnvConfig points at an explicit config file.
	EnvConfig = "LOOM_CONFIG"
	// EnvDebug enables verbose logging when set to "true".
	EnvDebug = "LOOM_DEBUG"
	// EnvPMD controls post-mortem debugging with a propagation budget.
	EnvPMD = "LOOM_PMD"
	// EnvBreakpoint selects the debugger used for breakpoints.
	EnvBreakpoint = "LOOM_BREAKPOINT"
	// EnvTracing selects the tracer implementation.
	EnvTracing = "LOOM_TRACING"
)

// PostMortemFromEnv evaluates the post-mortem variable. An integer value
// greater than zero enables post-mortem for this process and is
// decremented for children; a value reaching zero is unset so the budget
// stops propagating. Any other non-empty value enables post-mortem
// without a budget.
func PostMortemFromEnv(getenv func(string) string, setenv func(string, string) error, unsetenv func(string) error) bool {
	value := getenv(EnvPMD)
	if value == "" {
		return false
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return true
	}
	if n <= 0 {
		_ = unsetenv(EnvPMD)
		return false
	}

	if n == 1 {
		_ = unsetenv(EnvPMD)
	} else {
		_ = setenv(EnvPMD, strconv.Itoa(n-1))
	}
	return true
}

// BreakpointSelector returns the configured debugger selector and whether
// breakpoints are enabled at all: the value "0" disables them, the empty
// value selects the default debugger.
func BreakpointSelector(getenv func(string) string) (selector string, enabled bool) {
	value := getenv(EnvBreakpoint)
	if value == "0" {
		return "", false
	}
	return value, true
}

// TracingSelector returns the configured tracer selector, "" for none.
func TracingSelector(getenv func(string) string) string {
	return getenv(EnvTracing)
}

// DebugEnabled reports whether verbose debug output is requested.
func DebugEnabled(getenv func(string) string) bool {
	return getenv(EnvDebug) == "true"
}
