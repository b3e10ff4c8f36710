//go:build linux

package server

func defaultListen(addr string, reusePort bool) (Listener, error) {
	ln, err := Listen(addr, reusePort)
	if err != nil {
		return nil, err
	}
	return ln, nil
}

func defaultReactor(maxEvents int) (Reactor, error) {
	r, err := NewEpollReactor(maxEvents)
	if err != nil {
		return nil, err
	}
	return r, nil
}
