//go:build !linux

package stages

func registerPlatformBuiltins(r *Registry) {}
