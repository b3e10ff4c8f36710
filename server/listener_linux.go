//go:build linux

package server

import (
	"io"
	"net"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// TCPListener is a non-blocking listening socket.
type TCPListener struct {
	fd   int
	addr net.Addr
}

// Listen opens a non-blocking TCP listener on addr. With reusePort several
// listeners may bind the same address and the kernel balances accepts
// between them. An empty or "::" host listens on IPv4 and IPv6 at once.
func Listen(addr string, reusePort bool) (*TCPListener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", addr)
	}

	family, sa, dualStack := toSockaddr(tcpAddr)
	fd, err := newSocket(family)
	if err == unix.EAFNOSUPPORT && tcpAddr.IP == nil {
		// No IPv6 on this host.
		family, sa, dualStack = unix.AF_INET, &unix.SockaddrInet4{Port: tcpAddr.Port}, false
		fd, err = newSocket(family)
	}
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}

	if family == unix.AF_INET6 {
		v6only := 1
		if dualStack {
			v6only = 0
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, v6only); err != nil {
			unix.Close(fd)
			return nil, os.NewSyscallError("setsockopt IPV6_V6ONLY", err)
		}
	}

	if err := listenFD(fd, sa, reusePort); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	local, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("getsockname", err)
	}

	return &TCPListener{fd: fd, addr: toTCPAddr(local)}, nil
}

func newSocket(family int) (int, error) {
	return unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
}

func listenFD(fd int, sa unix.Sockaddr, reusePort bool) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return os.NewSyscallError("setsockopt SO_REUSEADDR", err)
	}
	if reusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return os.NewSyscallError("setsockopt SO_REUSEPORT", err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		return os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return os.NewSyscallError("listen", err)
	}
	return nil
}

// Fd returns the listening socket descriptor.
func (l *TCPListener) Fd() int { return l.fd }

// Addr returns the bound address, with the port the kernel chose for :0.
func (l *TCPListener) Addr() net.Addr { return l.addr }

// Accept returns the next pending connection, or ErrWouldBlock.
func (l *TCPListener) Accept() (Stream, error) {
	for {
		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
			_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
			return &socket{fd: nfd, remote: toTCPAddr(sa)}, nil
		case unix.EAGAIN:
			return nil, ErrWouldBlock
		case unix.EINTR, unix.ECONNABORTED:
			continue
		default:
			return nil, os.NewSyscallError("accept4", err)
		}
	}
}

// Close closes the listening socket.
func (l *TCPListener) Close() error {
	return os.NewSyscallError("close", unix.Close(l.fd))
}

// socket is an accepted non-blocking connection.
type socket struct {
	fd     int
	remote net.Addr
}

func (s *socket) Fd() int { return s.fd }

func (s *socket) RemoteAddr() net.Addr { return s.remote }

func (s *socket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		switch err {
		case nil:
			if n == 0 && len(p) > 0 {
				return 0, io.EOF
			}
			return n, nil
		case unix.EAGAIN:
			return 0, ErrWouldBlock
		case unix.EINTR:
			continue
		default:
			return 0, os.NewSyscallError("read", err)
		}
	}
}

func (s *socket) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(s.fd, p)
		switch err {
		case nil:
			return n, nil
		case unix.EAGAIN:
			return 0, ErrWouldBlock
		case unix.EINTR:
			continue
		default:
			return 0, os.NewSyscallError("write", err)
		}
	}
}

func (s *socket) Close() error {
	return os.NewSyscallError("close", unix.Close(s.fd))
}

// toSockaddr reports whether the socket should accept both families: true
// for a missing host or the IPv6 unspecified address.
func toSockaddr(addr *net.TCPAddr) (family int, sa unix.Sockaddr, dualStack bool) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa4 := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa4.Addr[:], ip4)
		return unix.AF_INET, sa4, false
	}
	sa6 := &unix.SockaddrInet6{Port: addr.Port}
	if addr.IP != nil {
		copy(sa6.Addr[:], addr.IP.To16())
	}
	return unix.AF_INET6, sa6, addr.IP == nil || addr.IP.IsUnspecified()
}

func toTCPAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	default:
		return &net.TCPAddr{}
	}
}
