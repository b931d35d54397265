package main

import (
	"context"
	"crypto/tls"
	"net"
)

// tlsListenConfig wraps a plain TCP listener with TLS using the
// bootstrapped certificate, shared between the control and transfer
// listeners (spec §4.D/§4.E: both ports are TLS-accepted).
func tlsListenConfig(addr string, cfg *tls.Config) (net.Listener, error) {
	return tls.Listen("tcp", addr, cfg)
}

// closeOnDone closes ln as soon as ctx is cancelled, unblocking the
// listener's Accept loop so acceptLoop can return promptly on shutdown.
func closeOnDone(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
}
