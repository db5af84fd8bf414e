package wasm

import "errors"

var (
	// ErrBundleNotLoaded is returned when a bundle name has no loaded module.
	ErrBundleNotLoaded = errors.New("wasm bundle not loaded")
	// ErrExportNotFound is returned when a module has no function of that name.
	ErrExportNotFound = errors.New("wasm export not found")
	// ErrNullArgument is returned when SQL NULL is passed to a Wasm function.
	// Wasm values are primitives only.
	ErrNullArgument = errors.New("null cannot be passed to a wasm function")
)
