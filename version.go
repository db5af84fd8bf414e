package plbridge

import "runtime/debug"

const modulePath = "github.com/plbridge/plbridge"

// Version returns the module version this binary was built with, or
// "(devel)" when built from a source checkout.
func Version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "(devel)"
	}
	if info.Main.Path == modulePath && info.Main.Version != "" {
		return info.Main.Version
	}
	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			return dep.Version
		}
	}
	return "(devel)"
}
