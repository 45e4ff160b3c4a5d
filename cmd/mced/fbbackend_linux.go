//go:build linux

package main

import "mced.dev/fbgate"

func openFBBackend(devicePath string) (fbgate.Backend, error) {
	if devicePath == "" {
		return fbgate.NoopBackend{}, nil
	}
	return fbgate.OpenIoctlBackend(devicePath)
}
