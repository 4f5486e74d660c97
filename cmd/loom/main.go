// SPDX-License-Identifier: MPL-2.0

// loom is the module runtime: it resolves a request to a module through
// the session's resolver chain and executes it as the main module.
package main

func main() {
	Execute()
}
