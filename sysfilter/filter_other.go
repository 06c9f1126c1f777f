//go:build !linux

package sysfilter

// Install is a no-op on non-Linux platforms (spec §4.M: "On non-Linux
// platforms the installer is a no-op and reports success").
func Install(profile Profile) error { return nil }
