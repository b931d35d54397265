// Package transfer implements the Nexus resumable file transfer subsystem
// (spec §4.D): the active-transfer registry, resume-offset negotiation,
// dropbox folder-type access control, and path containment.
package transfer

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Direction is upload or download.
type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// ActiveTransfer is the registry entry for one in-flight transfer (spec §3
// "Active transfer"). It is RAII-registered once the transfer port has
// accepted a download or upload request, not at handshake/login success:
// a connection that has logged in but not yet sent its request has no
// entry and is not reached by DisconnectMatching. It is unregistered
// when the transfer handler returns, the way
// the teacher's ChannelRecorder is started and Stop()ped around the
// lifetime of one voice recording.
type ActiveTransfer struct {
	TransferID string
	PeerAddr   net.Addr
	Username   string
	Nickname   string
	Direction  Direction
	Path       string
	TotalSize  int64
	StartedAt  time.Time

	bytesTransferred atomic.Uint64

	banOnce sync.Once
	banTx   chan struct{}
	banRx   <-chan struct{}
}

// AddBytes adds n to the running transferred-byte counter (relaxed atomic
// add, per the spec's concurrency table).
func (a *ActiveTransfer) AddBytes(n int64) {
	a.bytesTransferred.Add(uint64(n))
}

// BytesTransferred returns the current transferred-byte count.
func (a *ActiveTransfer) BytesTransferred() int64 {
	return int64(a.bytesTransferred.Load())
}

// Banned performs the non-blocking try-recv on the one-shot ban channel
// used by the streaming loop between chunks (spec "Mid-transfer ban
// enforcement").
func (a *ActiveTransfer) Banned() bool {
	select {
	case <-a.banRx:
		return true
	default:
		return false
	}
}

// ban fires the one-shot ban signal; safe to call multiple times (e.g.
// two overlapping disconnect sweeps matching the same peer).
func (a *ActiveTransfer) ban() {
	a.banOnce.Do(func() { close(a.banTx) })
}

// Registry holds every in-flight transfer, guarded by a single lock (spec
// concurrency table: "Transfer registry: single lock; iteration for
// disconnect_matching holds it while cloning ban_tx's and drops it before
// sending").
type Registry struct {
	mu        sync.Mutex
	transfers map[string]*ActiveTransfer
}

// NewRegistry returns an empty transfer registry.
func NewRegistry() *Registry {
	return &Registry{transfers: make(map[string]*ActiveTransfer)}
}

// Register creates and inserts a new ActiveTransfer, returning it along
// with an Unregister func the caller must invoke (typically via defer)
// when the transfer-port connection drops.
func (r *Registry) Register(peerAddr net.Addr, username, nickname string, dir Direction, path string, totalSize int64) (*ActiveTransfer, func()) {
	ban := make(chan struct{})
	t := &ActiveTransfer{
		TransferID: uuid.NewString(),
		PeerAddr:   peerAddr,
		Username:   username,
		Nickname:   nickname,
		Direction:  dir,
		Path:       path,
		TotalSize:  totalSize,
		StartedAt:  time.Now(),
		banTx:      ban,
		banRx:      ban,
	}

	r.mu.Lock()
	r.transfers[t.TransferID] = t
	r.mu.Unlock()

	var once sync.Once
	unregister := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.transfers, t.TransferID)
			r.mu.Unlock()
		})
	}
	return t, unregister
}

// Snapshot returns a stable copy of every active transfer, for the
// monitoring API.
func (r *Registry) Snapshot() []*ActiveTransfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ActiveTransfer, 0, len(r.transfers))
	for _, t := range r.transfers {
		out = append(out, t)
	}
	return out
}

// IPPredicate reports whether a transfer's peer address should be banned.
type IPPredicate func(ip net.IP) bool

// DisconnectMatching fires the ban signal on every transfer whose peer
// address matches match. The registry lock is held only while cloning
// the ban channels to send on, then dropped before sending, per the
// spec's concurrency table.
func (r *Registry) DisconnectMatching(match IPPredicate) int {
	r.mu.Lock()
	var victims []*ActiveTransfer
	for _, t := range r.transfers {
		ip := hostIP(t.PeerAddr)
		if ip != nil && match(ip) {
			victims = append(victims, t)
		}
	}
	r.mu.Unlock()

	for _, t := range victims {
		t.ban()
	}
	return len(victims)
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
