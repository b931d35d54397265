package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"nexus/internal/httpapi"
	"nexus/internal/ipguard"
	"nexus/internal/locale"
	"nexus/internal/ratelimit"
	"nexus/internal/session"
	"nexus/internal/store"
	"nexus/internal/tlsutil"
	"nexus/internal/transfer"
)

// Version is stamped into the version/status CLI output.
const Version = "0.1.0"

func main() {
	if len(os.Args) > 1 {
		cliDB := "nexus.db"
		if runCLI(os.Args[1:], cliDB) {
			return
		}
	}

	controlAddr := flag.String("control-addr", ":6502", "control port listen address")
	transferAddr := flag.String("transfer-addr", ":6503", "transfer port listen address")
	apiAddr := flag.String("api-addr", ":8080", "admin REST/monitoring listen address (empty to disable)")
	dbPath := flag.String("db", "nexus.db", "SQLite database path")
	areaRoot := flag.String("files-root", "files", "file-transfer area root directory")
	idleTimeout := flag.Duration("idle-timeout", 5*time.Minute, "connection idle timeout")
	frameTimeout := flag.Duration("frame-timeout", 30*time.Second, "per-frame read timeout once a header is seen")
	progressTimeout := flag.Duration("progress-timeout", 60*time.Second, "streaming stall timeout")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	maxConnections := flag.Int("max-connections", 500, "maximum total concurrent connections, per listener")
	maxConnectionsPerIP := flag.Int("max-connections-per-ip", 10, "control port: maximum concurrent connections per IP address (0 = unlimited)")
	maxTransfersPerIP := flag.Int("max-transfers-per-ip", 10, "transfer port: maximum concurrent connections per IP address (0 = unlimited)")
	connRate := flag.Float64("connect-rate", 5, "maximum new connections per second per IP")
	controlRate := flag.Float64("rate-limit", 20, "maximum control messages per second per session")
	adminEscapesFlag := flag.String("admin-escape", "", "admin-only path escapes outside the files root, separated by the OS path-list separator (':' on Unix)")
	flag.Parse()

	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()
	seedDefaults(st)

	if err := os.MkdirAll(*areaRoot, 0o755); err != nil {
		log.Fatalf("create files root: %v", err)
	}

	tlsHostname := ""
	if host, _, err := net.SplitHostPort(*controlAddr); err == nil && host != "" {
		tlsHostname = host
	}
	boot, err := tlsutil.Generate(*certValidity, tlsHostname)
	if err != nil {
		log.Fatalf("tls bootstrap: %v", err)
	}
	slog.Info("tls certificate bootstrapped", "fingerprint", boot.Fingerprint)

	guard := ipguard.New()
	if err := loadIPRules(st, guard); err != nil {
		log.Fatalf("load ip rules: %v", err)
	}

	sessions := session.NewManager(st.UsernameExists)
	transfers := transfer.NewRegistry()
	catalog := locale.New()
	accept := ratelimit.NewAcceptLimiter(*connRate, *maxConnectionsPerIP, *maxConnections)
	transferAccept := ratelimit.NewAcceptLimiter(*connRate, *maxTransfersPerIP, *maxConnections)
	control := ratelimit.NewControlLimiter(*controlRate)

	var adminEscapes []string
	if *adminEscapesFlag != "" {
		adminEscapes = filepath.SplitList(*adminEscapesFlag)
	}

	s := &singletons{
		store:           st,
		sessions:        sessions,
		guard:           guard,
		transfers:       transfers,
		locale:          catalog,
		accept:          accept,
		transferAccept:  transferAccept,
		control:         control,
		idleTimeout:     *idleTimeout,
		frameTimeout:    *frameTimeout,
		progressTimeout: *progressTimeout,
		areaRoot:        *areaRoot,
		adminEscapes:    adminEscapes,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()
	go guard.RunSweeper(30*time.Second, stop)

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := st.PurgeExpiredIPRules(); err != nil {
					slog.Error("purge expired ip rules", "error", err)
				} else if n > 0 {
					slog.Info("purged expired ip rules", "count", n)
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.Optimize(); err != nil {
					slog.Error("optimize store", "error", err)
				}
			}
		}
	}()

	if *apiAddr != "" {
		api := httpapi.New(sessions, transfers, guard, st)
		go api.Hub().Run(st, 2*time.Second, stop)
		go func() {
			if err := api.Run(ctx, *apiAddr); err != nil {
				slog.Error("admin api server", "error", err)
			}
		}()
		slog.Info("admin api listening", "addr", *apiAddr)
	}

	controlLn, err := tlsListen(*controlAddr, boot)
	if err != nil {
		log.Fatalf("control listener: %v", err)
	}
	defer controlLn.Close()
	closeOnDone(ctx, controlLn)
	go acceptLoop(ctx, controlLn, s.serveControlConn)
	slog.Info("control port listening", "addr", *controlAddr)

	transferLn, err := tlsListen(*transferAddr, boot)
	if err != nil {
		log.Fatalf("transfer listener: %v", err)
	}
	defer transferLn.Close()
	closeOnDone(ctx, transferLn)
	go acceptLoop(ctx, transferLn, s.serveTransferConn)
	slog.Info("transfer port listening", "addr", *transferAddr)

	<-ctx.Done()
	// Give in-flight connection handlers a moment to notice ctx.Done via
	// their next read deadline before the process exits.
	time.Sleep(200 * time.Millisecond)
}

func tlsListen(addr string, boot *tlsutil.Bootstrap) (net.Listener, error) {
	return tlsListenConfig(addr, boot.Config)
}

// seedDefaults writes factory-default settings the first time the
// database is created (first-run initialisation).
func seedDefaults(st *store.Store) {
	defaults := [][2]string{
		{"server_name", "nexus"},
	}
	for _, kv := range defaults {
		if _, ok, err := st.GetSetting(kv[0]); err == nil && !ok {
			if err := st.SetSetting(kv[0], kv[1]); err != nil {
				slog.Error("seed setting", "key", kv[0], "error", err)
			}
		}
	}

	if chs, err := st.GetChannels(); err == nil && len(chs) == 0 {
		if _, err := st.CreateChannel("General"); err != nil {
			slog.Error("seed General channel", "error", err)
		}
	}

	if err := st.BootstrapGuestAccount(); err != nil {
		slog.Error("bootstrap guest account", "error", err)
	}
}

// loadIPRules rebuilds the in-memory ip guard cache from the persisted
// rule table at startup, since the cache itself is never durable.
func loadIPRules(st *store.Store, guard *ipguard.Cache) error {
	rules, err := st.ListIPRules()
	if err != nil {
		return err
	}
	for _, r := range rules {
		expires := time.Time{}
		if r.ExpiresAt != nil {
			expires = *r.ExpiresAt
		}
		switch r.Kind {
		case "ban":
			if err := guard.AddBan(r.Key, expires); err != nil {
				slog.Warn("load ban rule", "key", r.Key, "error", err)
			}
		case "trust":
			if err := guard.AddTrust(r.Key, expires); err != nil {
				slog.Warn("load trust rule", "key", r.Key, "error", err)
			}
		}
	}
	return nil
}

// acceptLoop runs the accept/dispatch loop for one listener until ctx is
// cancelled, handing each accepted connection to handle in its own
// goroutine.
func acceptLoop(ctx context.Context, ln net.Listener, handle func(net.Conn)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Error("accept", "error", err)
				continue
			}
		}
		go handle(conn)
	}
}
