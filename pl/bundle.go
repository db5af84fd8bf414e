package pl

import "github.com/plbridge/plbridge/types"

// Class maps method names to Go functions. A method may take a leading
// context.Context and return nothing, a value, an error, or a value and an
// error.
type Class map[string]any

// Bundle is a named set of classes written in Go. Registered bundles take part
// in classpath resolution like installed Wasm bundles.
type Bundle struct {
	Name        string
	Permissions []types.Permission
	Classes     map[string]Class
}
