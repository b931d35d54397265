package httpapi

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"nexus/internal/ipguard"
	"nexus/internal/session"
	"nexus/internal/store"
	"nexus/internal/transfer"
)

// Snapshot is one point-in-time rendering of server state, broadcast to
// every /monitor/ws subscriber (spec §9 "a live event feed").
type Snapshot struct {
	TakenAt   time.Time        `json:"taken_at"`
	Sessions  []sessionSummary `json:"sessions"`
	Transfers []transferEntry  `json:"transfers"`
	RuleCount int              `json:"ip_rule_count"`
}

type sessionSummary struct {
	ID       uint32 `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	IsAdmin  bool   `json:"is_admin"`
	PeerAddr string `json:"peer_addr"`
}

type transferEntry struct {
	TransferID  string `json:"transfer_id"`
	Direction   string `json:"direction"`
	Path        string `json:"path"`
	Username    string `json:"username"`
	Transferred int64  `json:"bytes_transferred"`
	TotalSize   int64  `json:"total_size"`
}

// Hub fans a periodic Snapshot out to any number of websocket
// subscribers, dropping slow readers rather than blocking the ticker
// (same "a full or closed channel is a silent drop" rule the session
// manager's trySend applies to chat broadcast).
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan []byte]struct{}

	sessions  *session.Manager
	transfers *transfer.Registry
	guard     *ipguard.Cache
}

// NewHub wires a Hub to the live subsystem singletons it snapshots.
func NewHub(sessions *session.Manager, transfers *transfer.Registry, guard *ipguard.Cache) *Hub {
	return &Hub{
		subscribers: make(map[chan []byte]struct{}),
		sessions:    sessions,
		transfers:   transfers,
		guard:       guard,
	}
}

// Subscribe registers a new feed consumer. Call the returned function
// to unsubscribe and close the channel.
func (h *Hub) Subscribe() (ch chan []byte, unsubscribe func()) {
	ch = make(chan []byte, 8)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
}

func (h *Hub) publish(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- payload:
		default:
		}
	}
}

func (h *Hub) takeSnapshot(st *store.Store) Snapshot {
	views := h.sessions.Snapshot()
	sessions := make([]sessionSummary, len(views))
	for i, v := range views {
		sessions[i] = sessionSummary{
			ID:       v.ID,
			Username: v.Username,
			Nickname: v.Nickname,
			IsAdmin:  v.IsAdmin,
			PeerAddr: addrString(v.PeerAddr),
		}
	}

	active := h.transfers.Snapshot()
	transfers := make([]transferEntry, len(active))
	for i, t := range active {
		transfers[i] = transferEntry{
			TransferID:  t.TransferID,
			Direction:   t.Direction.String(),
			Path:        t.Path,
			Username:    t.Username,
			Transferred: t.BytesTransferred(),
			TotalSize:   t.TotalSize,
		}
	}

	ruleCount := 0
	if st != nil {
		if rules, err := st.ListIPRules(); err == nil {
			ruleCount = len(rules)
		}
	}

	return Snapshot{
		TakenAt:   time.Now(),
		Sessions:  sessions,
		Transfers: transfers,
		RuleCount: ruleCount,
	}
}

// Run periodically publishes a fresh Snapshot until stop is closed.
func (h *Hub) Run(st *store.Store, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			snap := h.takeSnapshot(st)
			payload, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			h.publish(payload)
		}
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
