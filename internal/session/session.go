// Package session implements the Nexus session manager (spec §4.C): the
// in-memory table of connected clients, the nickname registry guarding
// shared-account display-name uniqueness, and broadcast fan-out.
package session

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nexus/internal/wire"
)

// SendTimeout bounds how long a broadcast may block on one recipient's
// outbound channel before treating it as a silent drop (spec §4.C
// "Broadcast delivery").
const SendTimeout = 50 * time.Millisecond

// AddError is the closed set of add_session failures (spec §4.C).
type AddError int

const (
	ErrNicknameInUse AddError = iota
	ErrNicknameMatchesUsername
)

func (e AddError) Error() string {
	switch e {
	case ErrNicknameInUse:
		return "nickname in use"
	case ErrNicknameMatchesUsername:
		return "nickname matches a persisted username"
	default:
		return "unknown add_session error"
	}
}

// UsernameExists is the dependency on the persistent account store used by
// nickname uniqueness checks; kept as a narrow interface to avoid an
// import cycle with internal/store.
type UsernameExists func(name string) bool

// AddParams is the input to Manager.Add.
type AddParams struct {
	DBUserID    int64
	Username    string
	Nickname    string // ignored (forced to Username) unless IsShared
	IsAdmin     bool
	IsShared    bool
	Permissions PermissionSet
	PeerAddr    net.Addr
	Locale      string
	Avatar      string // pre-validated bounded data URI; "" if none
	Tx          chan<- wire.Frame
}

// Session is one connected client's live state (spec §3 "Session").
type Session struct {
	ID          uint32
	DBUserID    int64
	Username    string
	Nickname    string
	IsAdmin     bool
	IsShared    bool
	LoginTime   time.Time
	PeerAddr    net.Addr
	Locale      string
	Avatar      string
	IsAway      bool
	Status      string

	mu          sync.RWMutex
	permissions PermissionSet
	tx          chan<- wire.Frame
}

// Permissions returns the session's current cached permission set.
func (s *Session) Permissions() PermissionSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.permissions
}

func (s *Session) setPermissions(p PermissionSet) {
	s.mu.Lock()
	s.permissions = p
	s.mu.Unlock()
}

// View is a read-only snapshot safe to hand to callers outside the
// manager's lock (spec "get_session → Option<SessionView>").
type View struct {
	ID          uint32
	DBUserID    int64
	Username    string
	Nickname    string
	IsAdmin     bool
	IsShared    bool
	Permissions PermissionSet
	LoginTime   time.Time
	PeerAddr    net.Addr
	Avatar      string
	IsAway      bool
	Status      string
}

func (s *Session) view() View {
	return View{
		ID:          s.ID,
		DBUserID:    s.DBUserID,
		Username:    s.Username,
		Nickname:    s.Nickname,
		IsAdmin:     s.IsAdmin,
		IsShared:    s.IsShared,
		Permissions: s.Permissions(),
		LoginTime:   s.LoginTime,
		PeerAddr:    s.PeerAddr,
		Avatar:      s.Avatar,
		IsAway:      s.IsAway,
		Status:      s.Status,
	}
}

// Manager is the session table plus nickname registry. The session table
// lock is always acquired before the nickname lock when both are needed,
// per the spec's lock-ordering rule, to avoid deadlock against any path
// that might (now or later) need the reverse order.
type Manager struct {
	mu       sync.RWMutex // session table
	sessions map[uint32]*Session

	nickMu sync.RWMutex // nickname index
	nicks  map[string]uint32 // lowercase nickname -> session id

	nextID atomic.Uint32

	usernameExists UsernameExists
}

// NewManager returns an empty manager. usernameExists is consulted by
// Add's nickname-uniqueness check for shared-account logins.
func NewManager(usernameExists UsernameExists) *Manager {
	return &Manager{
		sessions:       make(map[uint32]*Session),
		nicks:          make(map[string]uint32),
		usernameExists: usernameExists,
	}
}

// Add validates nickname uniqueness (shared accounts only) and registers
// a new session, atomically with respect to other concurrent Add calls.
func (m *Manager) Add(p AddParams) (*Session, error) {
	nickname := p.Username
	if p.IsShared {
		nickname = strings.TrimSpace(p.Nickname)
		if nickname == "" {
			nickname = p.Username
		}
	}
	key := strings.ToLower(nickname)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nickMu.Lock()
	defer m.nickMu.Unlock()

	if p.IsShared {
		if m.usernameExists != nil && m.usernameExists(key) {
			return nil, ErrNicknameMatchesUsername
		}
		if _, taken := m.nicks[key]; taken {
			return nil, ErrNicknameInUse
		}
	}

	id := m.nextID.Add(1)
	s := &Session{
		ID:          id,
		DBUserID:    p.DBUserID,
		Username:    p.Username,
		Nickname:    nickname,
		IsAdmin:     p.IsAdmin,
		IsShared:    p.IsShared,
		LoginTime:   time.Now(),
		PeerAddr:    p.PeerAddr,
		Locale:      p.Locale,
		Avatar:      p.Avatar,
		permissions: p.Permissions,
		tx:          p.Tx,
	}

	m.sessions[id] = s
	m.nicks[key] = id
	return s, nil
}

// Remove drops a session and its nickname reservation, then closes the
// outbound channel so the writer task's recv sees "closed" and exits.
func (m *Manager) Remove(id uint32) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.nickMu.Lock()
	delete(m.nicks, strings.ToLower(s.Nickname))
	m.nickMu.Unlock()

	close(s.tx)
}

// Get returns a session snapshot by id.
func (m *Manager) Get(id uint32) (View, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return View{}, false
	}
	return s.view(), true
}

// Snapshot returns a View of every currently connected session, for the
// monitoring surface (spec §9 "read-only admin REST endpoints").
func (m *Manager) Snapshot() []View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]View, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.view())
	}
	return out
}

// SessionsByUsername returns every live session of one account.
func (m *Manager) SessionsByUsername(username string) []View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []View
	for _, s := range m.sessions {
		if s.Username == username {
			out = append(out, s.view())
		}
	}
	return out
}

// SessionByNickname looks up the live session owning nickname
// (case-insensitive).
func (m *Manager) SessionByNickname(nickname string) (View, bool) {
	key := strings.ToLower(nickname)
	m.nickMu.RLock()
	id, ok := m.nicks[key]
	m.nickMu.RUnlock()
	if !ok {
		return View{}, false
	}
	return m.Get(id)
}

// UpdatePermissions sets the cached permission set on every live session
// of dbUserID (spec: "mutate in place across all sessions of the same
// account").
func (m *Manager) UpdatePermissions(dbUserID int64, newSet PermissionSet) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.DBUserID == dbUserID {
			s.setPermissions(newSet)
		}
	}
}

// UpdateAdminStatus sets IsAdmin on every live session of dbUserID.
func (m *Manager) UpdateAdminStatus(dbUserID int64, isAdmin bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.DBUserID == dbUserID {
			s.IsAdmin = isAdmin
		}
	}
}

// UpdateUsername sets Username (and, for non-shared accounts, Nickname)
// on every live session of dbUserID. The nickname index is not touched
// for shared accounts, whose nickname is independent of username.
func (m *Manager) UpdateUsername(dbUserID int64, newName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.DBUserID == dbUserID {
			s.Username = newName
			if !s.IsShared {
				s.Nickname = newName
			}
		}
	}
}

// UpdatePresence sets is_away/status on one session.
func (m *Manager) UpdatePresence(id uint32, isAway bool, status string) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.IsAway = isAway
	s.Status = status
	s.mu.Unlock()
}

// trySend attempts a bounded, non-blocking-ish send: a full or closed
// channel is a silent drop for that recipient (spec §4.C). Sending on a
// closed channel panics, so the recover guards the race between a
// concurrent Remove and this send.
func trySend(ch chan<- wire.Frame, f wire.Frame) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case ch <- f:
		return true
	case <-time.After(SendTimeout):
		return false
	}
}

// BroadcastUserEvent delivers f to every session except exceptID (0 means
// no exception).
func (m *Manager) BroadcastUserEvent(f wire.Frame, exceptID uint32) {
	m.mu.RLock()
	targets := make([]chan<- wire.Frame, 0, len(m.sessions))
	for id, s := range m.sessions {
		if exceptID != 0 && id == exceptID {
			continue
		}
		targets = append(targets, s.tx)
	}
	m.mu.RUnlock()

	for _, ch := range targets {
		trySend(ch, f)
	}
}

// BroadcastToPermission delivers f to every session whose cached
// permission set contains perm (or who is admin).
func (m *Manager) BroadcastToPermission(f wire.Frame, perm Permission) {
	m.mu.RLock()
	targets := make([]chan<- wire.Frame, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Permissions().Has(perm, s.IsAdmin) {
			targets = append(targets, s.tx)
		}
	}
	m.mu.RUnlock()

	for _, ch := range targets {
		trySend(ch, f)
	}
}

// BroadcastToUsername delivers f to every live session of one account.
func (m *Manager) BroadcastToUsername(username string, f wire.Frame) {
	m.mu.RLock()
	targets := make([]chan<- wire.Frame, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Username == username {
			targets = append(targets, s.tx)
		}
	}
	m.mu.RUnlock()

	for _, ch := range targets {
		trySend(ch, f)
	}
}

// MessageBuilder produces the disconnect frame to send a session before
// it is dropped; it may depend on the session's locale.
type MessageBuilder func(s View) wire.Frame

// IPPredicate reports whether an IP should be skipped by a disconnect
// sweep (used to protect, e.g., a freshly trusted admin).
type IPPredicate func(ip net.IP) bool

// Disconnected identifies one session dropped by a disconnect sweep, for
// the caller to broadcast a UserDisconnected event about.
type Disconnected struct {
	SessionID uint32
	Nickname  string
}

// DisconnectSessionsByIP sends build(session) to, then drops, every
// session whose PeerAddr's IP equals ip and for which skip(ip) is false.
func (m *Manager) DisconnectSessionsByIP(ip net.IP, build MessageBuilder, skip IPPredicate) []Disconnected {
	return m.disconnectMatching(func(candidate net.IP) bool {
		return candidate.Equal(ip)
	}, build, skip)
}

// DisconnectSessionsInRange is DisconnectSessionsByIP generalized to CIDR
// containment.
func (m *Manager) DisconnectSessionsInRange(cidr *net.IPNet, build MessageBuilder, skip IPPredicate) []Disconnected {
	return m.disconnectMatching(func(candidate net.IP) bool {
		return cidr.Contains(candidate)
	}, build, skip)
}

func (m *Manager) disconnectMatching(match func(net.IP) bool, build MessageBuilder, skip IPPredicate) []Disconnected {
	m.mu.RLock()
	var victims []*Session
	for _, s := range m.sessions {
		ip := hostIP(s.PeerAddr)
		if ip == nil || !match(ip) {
			continue
		}
		if skip != nil && skip(ip) {
			continue
		}
		victims = append(victims, s)
	}
	m.mu.RUnlock()

	var out []Disconnected
	for _, s := range victims {
		if build != nil {
			trySend(s.tx, build(s.view()))
		}
		m.Remove(s.ID)
		out = append(out, Disconnected{SessionID: s.ID, Nickname: s.Nickname})
	}
	return out
}

// IsAdminConnectedFromIP reports whether any live admin session's
// PeerAddr equals ip.
func (m *Manager) IsAdminConnectedFromIP(ip net.IP) bool {
	return m.anyAdmin(func(candidate net.IP) bool { return candidate.Equal(ip) })
}

// IsAdminConnectedInRange reports whether any live admin session's
// PeerAddr falls within cidr.
func (m *Manager) IsAdminConnectedInRange(cidr *net.IPNet) bool {
	return m.anyAdmin(func(candidate net.IP) bool { return cidr.Contains(candidate) })
}

func (m *Manager) anyAdmin(match func(net.IP) bool) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if !s.IsAdmin {
			continue
		}
		ip := hostIP(s.PeerAddr)
		if ip != nil && match(ip) {
			return true
		}
	}
	return false
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
