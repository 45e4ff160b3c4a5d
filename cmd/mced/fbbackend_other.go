//go:build !linux

package main

import "mced.dev/fbgate"

func openFBBackend(devicePath string) (fbgate.Backend, error) {
	return fbgate.NoopBackend{}, nil
}
