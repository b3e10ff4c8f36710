//go:build !linux

package server

import (
	"runtime"

	"github.com/pkg/errors"
)

var errUnsupportedPlatform = errors.Errorf("edge-triggered reactor is not available on %s", runtime.GOOS)

func defaultListen(string, bool) (Listener, error) {
	return nil, errUnsupportedPlatform
}

func defaultReactor(int) (Reactor, error) {
	return nil, errUnsupportedPlatform
}
