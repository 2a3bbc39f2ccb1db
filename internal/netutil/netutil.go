// Package netutil owns the provider's shared TCP listener: the
// loopback-only bind policy and the connection ceiling.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	xnetutil "golang.org/x/net/netutil"
)

// ErrBindRefused marks a non-loopback bind refused by policy. Startup
// reports it as bind_not_allowed.
var ErrBindRefused = errors.New("netutil: refusing non-loopback bind without network.allowInsecurePublic")

// IsLoopbackHost reports whether host names a loopback interface. Only
// literal loopback addresses and "localhost" qualify; hostnames are not
// resolved, so a DNS entry cannot smuggle a public bind past the
// policy.
func IsLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// Listen opens the shared listener for the control and media planes. A
// non-loopback host is refused unless allowInsecurePublic is set; the
// provider fronts bearer tokens over plain TCP, so exposure has to be
// an explicit operator decision. A positive maxConns caps concurrent
// accepted connections.
func Listen(host string, port, maxConns int, allowInsecurePublic bool) (net.Listener, error) {
	if !allowInsecurePublic && !IsLoopbackHost(host) {
		return nil, fmt.Errorf("%w: host %q", ErrBindRefused, host)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen on %s:%d: %w", host, port, err)
	}
	if maxConns > 0 {
		ln = xnetutil.LimitListener(ln, maxConns)
	}
	return ln, nil
}
