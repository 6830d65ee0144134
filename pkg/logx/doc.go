// Package logx is a thin value-type wrapper over zerolog. Components take a
// Logger, derive one per component with With(String("comp", ...)), and never
// touch zerolog directly.
package logx
