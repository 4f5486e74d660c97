// SPDX-License-Identifier: MPL-2.0

// Package config handles application configuration using Viper over an
// INI-format user config file with an optional TOML project overlay.
//
// The user config lives at ~/.config/loom/config.ini (or the XDG
// equivalent on Linux, ~/Library/Application Support/loom/config.ini on
// macOS, %APPDATA%\loom\config.ini on Windows) and holds a [default]
// section (author, license) plus one [registry:<name>] section per
// configured registry, in priority order. A workspace may add a loom.toml
// overlay on top. Environment variables (LOOM_CONFIG, LOOM_DEBUG,
// LOOM_PMD, LOOM_BREAKPOINT, LOOM_TRACING) have the last word.
package config
