//go:build linux && !amd64 && !arm64

package sysfilter

import "fmt"

// Install reports an error on Linux architectures other than x86_64/aarch64
// (spec §4.M: "The filter supports x86_64 and aarch64"), rather than
// silently skipping enforcement the way the non-Linux no-op does.
func Install(profile Profile) error {
	return fmt.Errorf("sysfilter: unsupported architecture for profile %q", profile)
}
