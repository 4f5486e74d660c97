// SPDX-License-Identifier: MPL-2.0

// loompm is the package manager: it fetches, places, packs, and publishes
// loom packages and maintains the workspace manifest and lock file.
package main

func main() {
	Execute()
}
