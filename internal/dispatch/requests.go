package dispatch

import (
	"encoding/json"

	"nexus/internal/session"
)

// Payload marshaling mirrors the teacher's JSON-tagged control message
// structs: each frame's payload is the JSON encoding of one typed
// request or response, not a bespoke binary layout.

// HandshakeRequest is the first message on both the control and transfer
// ports (spec §4.D step 2, and the control port's equivalent).
type HandshakeRequest struct {
	ProtocolVersion string `json:"protocol_version"`
}

type HandshakeResponse struct {
	Accepted        bool   `json:"accepted"`
	ProtocolVersion string `json:"protocol_version"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Nickname string `json:"nickname,omitempty"`
	Locale   string `json:"locale,omitempty"`
	Avatar   string `json:"avatar,omitempty"` // bounded data URI, spec §3
}

// LoginResponse's ServerName/ServerDescription/ServerImage surface the
// config settings spec §6 lists as "Displayed on login."
type LoginResponse struct {
	Success           bool     `json:"success"`
	SessionID         uint32   `json:"session_id,omitempty"`
	IsAdmin           bool     `json:"is_admin,omitempty"`
	Permissions       []string `json:"permissions,omitempty"`
	ServerName        string   `json:"server_name,omitempty"`
	ServerDescription string   `json:"server_description,omitempty"`
	ServerImage       string   `json:"server_image,omitempty"`
	ErrorKind         string   `json:"error_kind,omitempty"`
	Error             string   `json:"error,omitempty"`
}

type ChatSendRequest struct {
	ChannelID int64  `json:"channel_id"`
	Message   string `json:"message"`
}

type ChatReceiveEvent struct {
	ChannelID int64  `json:"channel_id"`
	Nickname  string `json:"nickname"`
	Message   string `json:"message"`
}

// UserEditRequest carries the editor's requested new permission set for
// the target account (spec §4.C "Permission delegation").
type UserEditRequest struct {
	TargetUsername string   `json:"target_username"`
	Permissions    []string `json:"permissions"`
}

type UserEditResponse struct {
	Success     bool     `json:"success"`
	Permissions []string `json:"permissions,omitempty"`
	ErrorKind   string   `json:"error_kind,omitempty"`
	Error       string   `json:"error,omitempty"`
}

type BanCreateRequest struct {
	Key              string `json:"key"` // single IP or CIDR
	ExpiresAtUnix    int64  `json:"expires_at_unix,omitempty"`
	NicknameAnnotate string `json:"nickname_annotation,omitempty"`
}

type BanCreateResponse struct {
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// GenericError is the fallback envelope (spec §4.E "a generic
// Error{message, command} frame when the handler cannot produce its
// typed shape").
type GenericError struct {
	Message string `json:"message"`
	Command string `json:"command"`
}

func marshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Every type above is a plain JSON-safe struct; a marshal failure
		// here would be a programming error, not a runtime condition.
		panic("dispatch: marshal: " + err.Error())
	}
	return b
}

func unmarshal(payload []byte, v any) error {
	return json.Unmarshal(payload, v)
}

// permissionNamesToSet parses the wire string tags back into a
// PermissionSet, ignoring any tag it doesn't recognize (forward
// compatibility with future tags the store might carry but this build
// predates).
func permissionNamesToSet(names []string) session.PermissionSet {
	return session.PermissionNamesToSet(names)
}
