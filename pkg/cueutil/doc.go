// SPDX-License-Identifier: MPL-2.0

// Package cueutil provides shared CUE parsing utilities.
//
// The package consolidates the 3-step CUE parsing pattern used to validate
// the optional loom-extension.cue descriptor that an extension module may
// ship alongside its JSON manifest (see pkg/extension):
//
//  1. Compile the embedded schema
//  2. Compile user data and unify with schema
//  3. Validate and decode to Go struct
//
// # Usage
//
//	//go:embed descriptor_schema.cue
//	var schemaBytes []byte
//
//	result, err := cueutil.ParseAndDecode[extension.Descriptor](
//	    schemaBytes,
//	    userFileBytes,
//	    "#Descriptor",
//	    cueutil.WithFilename("loom-extension.cue"),
//	)
//	if err != nil {
//	    return nil, err  // Error includes CUE path for debugging
//	}
//	return result.Value, nil
package cueutil
