package main

import (
	"log/slog"
	"net"
	"time"

	"nexus/internal/dispatch"
	"nexus/internal/ipguard"
	"nexus/internal/locale"
	"nexus/internal/ratelimit"
	"nexus/internal/session"
	"nexus/internal/store"
	"nexus/internal/transfer"
	"nexus/internal/wire"
)

// singletons holds the process-wide state every accepted connection is
// handed a reference to (spec §9: "injected into handlers via a
// request-scoped context value, not via module-level globals" — the
// globals live here, once, and each connection gets its own *dispatch.Context).
type singletons struct {
	store          *store.Store
	sessions       *session.Manager
	guard          *ipguard.Cache
	transfers      *transfer.Registry
	locale         *locale.Catalog
	accept         *ratelimit.AcceptLimiter // control-port admission, max_connections_per_ip
	transferAccept *ratelimit.AcceptLimiter // transfer-port admission, max_transfers_per_ip
	control        *ratelimit.ControlLimiter

	idleTimeout     time.Duration
	frameTimeout    time.Duration
	progressTimeout time.Duration

	areaRoot     string
	adminEscapes []string
}

func hostIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return nil
		}
		return net.ParseIP(host)
	}
}

// serveControlConn drives one control-port connection for its entire
// lifetime: a read loop decoding and dispatching requests, and a writer
// loop (spec §5 "one task pair") draining the outbound channel for
// server-initiated broadcasts (chat_receive, user_disconnected, etc).
func (s *singletons) serveControlConn(conn net.Conn) {
	defer conn.Close()
	ip := hostIP(conn.RemoteAddr())
	if ip != nil {
		if !s.guard.ShouldAllow(ip) {
			return
		}
		if !s.accept.Allow(ip) {
			return
		}
		defer s.accept.Release(ip)
	}

	dec := wire.NewDecoder(conn, wire.DefaultTypes)
	enc := wire.NewEncoder(conn)
	outbound := make(chan wire.Frame, 64)

	ctx := &dispatch.Context{
		Sessions:  s.sessions,
		IPGuard:   s.guard,
		Transfers: s.transfers,
		Store:     s.store,
		Locale:    s.locale,
		State:     dispatch.StateNew,
		PeerAddr:  conn.RemoteAddr(),
		Outbound:  outbound,
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for f := range outbound {
			if err := enc.WriteFrame(f.Type, f.MessageID, f.Payload); err != nil {
				return
			}
		}
	}()

	for {
		req, err := dec.ReadFrame(s.idleTimeout, s.frameTimeout)
		if err != nil {
			break
		}

		if ctx.State == dispatch.StateActive && !s.control.Allow(ctx.SessionID) {
			continue // over the per-session control-message rate; drop silently
		}

		resp, mustClose := dispatch.Dispatch(ctx, req)
		if err := enc.WriteFrame(resp.Type, resp.MessageID, resp.Payload); err != nil {
			break
		}
		if mustClose {
			break
		}
	}

	if ctx.SessionID != 0 {
		s.sessions.Remove(ctx.SessionID)
		s.control.Forget(ctx.SessionID)
	} else {
		close(outbound)
	}
	<-writerDone
	slog.Info("control connection closed", "remote", conn.RemoteAddr())
}

// serveTransferConn enforces the same accept-side ip guard as the control
// port, but its own distinct per-IP concurrency cap (max_transfers_per_ip
// rather than max_connections_per_ip — spec §4.D: "per-IP concurrency can
// be rate-limited independently" on the transfer port) before handing the
// connection to transfer.HandleConn, which owns the rest of the
// transfer-port protocol.
func (s *singletons) serveTransferConn(conn net.Conn) {
	ip := hostIP(conn.RemoteAddr())
	if ip != nil {
		if !s.guard.ShouldAllow(ip) {
			conn.Close()
			return
		}
		if !s.transferAccept.Allow(ip) {
			conn.Close()
			return
		}
		defer s.transferAccept.Release(ip)
	}

	transfer.HandleConn(conn, s.transfers, s.store, s.areaRoot, s.adminEscapes, transfer.Limits{
		IdleTimeout:     s.idleTimeout,
		FrameTimeout:    s.frameTimeout,
		ProgressTimeout: s.progressTimeout,
	})
	slog.Info("transfer connection closed", "remote", conn.RemoteAddr())
}
