package vm

import (
	"mooreactor/builtins"
	"mooreactor/db"
)

// BuildVMRegistry assembles the full builtin registry the bytecode VM runs
// with: every group the builtins package exposes, bound to the world
// store, plus the recognized-but-unimplemented stubs so function_info()
// and presence checks behave.
func BuildVMRegistry(store *db.Store) *builtins.Registry {
	registry := builtins.NewRegistry()
	registry.RegisterObjectBuiltins(store)
	registry.RegisterPropertyBuiltins(store)
	registry.RegisterVerbBuiltins(store)
	registry.RegisterCryptoBuiltins(store)
	registry.RegisterSystemBuiltins(store)
	registry.RegisterStubBuiltins()
	return registry
}
