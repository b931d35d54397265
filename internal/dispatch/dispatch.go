package dispatch

import (
	"net"
	"time"

	"nexus/internal/ipguard"
	"nexus/internal/session"
	"nexus/internal/transfer"
	"nexus/internal/wire"
)

// ConnState is the control connection state machine (spec §4.E).
type ConnState int

const (
	StateNew ConnState = iota
	StateAwaitHandshake
	StateAwaitLogin
	StateActive
	StateClosing
	StateClosed
)

// AccountStore is the narrow slice of the persistent account store the
// dispatcher needs: authentication, permission lookup/mutation, and
// admin-demotion guard rails. Kept as an interface here (rather than an
// import of internal/store) so dispatch has no dependency on the storage
// engine's concrete type.
type AccountStore interface {
	Authenticate(username, password string) (dbUserID int64, isAdmin, isShared, enabled bool, err error)
	PermissionsOf(username string) (session.PermissionSet, bool)
	SetPermissions(username string, p session.PermissionSet) error
	IsLastAdmin(username string) bool
}

// LocaleRenderer renders a stable error id into session-locale text (spec
// §7 "rendered via a locale table keyed by a stable error id").
type LocaleRenderer interface {
	Render(locale, key string, args ...any) string
}

// Context is the request-scoped handle into the process-wide singletons
// (spec §9 "injected into handlers via a request-scoped context value,
// not via module-level globals").
type Context struct {
	Sessions  *session.Manager
	IPGuard   *ipguard.Cache
	Transfers *transfer.Registry
	Store     AccountStore
	Locale    LocaleRenderer

	State         ConnState
	SessionID     uint32 // 0 until StateActive
	PeerAddr      net.Addr
	SessionLocale string // negotiated at login; "" renders as English

	// Outbound is the connection task's writer-loop channel (spec §5
	// "each accepted connection is one task pair (read loop +
	// writer-drain loop)"). The connection handler creates it once,
	// before the first Dispatch call, and drains it for the lifetime of
	// the connection; handleLogin registers it with the session manager
	// at login rather than the session manager owning its creation.
	Outbound chan<- wire.Frame
}

// authRequired records, per message type, whether an authenticated
// session is required (true) or the type may be handled before login
// (false).
var authRequired = map[string]bool{
	"handshake": false,
	"login":     false,
	// everything else requires an authenticated session
	"chat_send":    true,
	"user_edit":    true,
	"ban_create":   true,
	"trust_create": true,
	"ban_remove":   true,
	"user_list":    true,
	"user_create":  true,
	"user_delete":  true,
	"chat_topic":   true,
	"channel_list": true,
}

// requiredPermission maps a message type to the permission a non-admin
// session must hold (0 = no permission check beyond being logged in).
var requiredPermission = map[string]session.Permission{
	"chat_send":    session.PermChatSend,
	"user_edit":    session.PermUserEdit,
	"ban_create":   session.PermBanCreate,
	"trust_create": session.PermBanCreate,
	"ban_remove":   session.PermBanCreate,
	"user_list":    session.PermUserList,
	"user_create":  session.PermUserCreate,
	"user_delete":  session.PermUserDelete,
	"chat_topic":   session.PermChatTopic,
}

// Dispatch routes one decoded request frame to its handler (spec §4.E
// steps 1-6). It returns the response frame to emit (already carrying
// the same MessageID as req) and whether the connection must close
// afterward.
func Dispatch(ctx *Context, req wire.Frame) (resp wire.Frame, mustClose bool) {
	if authRequired[req.Type] && ctx.State != StateActive {
		return errorFrame(ctx, req, newHandlerError(ErrNotLoggedIn, "err.not_logged_in", "not logged in")), true
	}

	if ctx.State == StateActive {
		view, ok := ctx.Sessions.Get(ctx.SessionID)
		if !ok {
			return errorFrame(ctx, req, newHandlerError(ErrNotLoggedIn, "err.session_gone", "session no longer exists")), true
		}
		if perm, needed := requiredPermission[req.Type]; needed && perm != 0 {
			if !view.Permissions.Has(perm, view.IsAdmin) {
				return errorFrame(ctx, req, newHandlerError(ErrPermissionDenied, "err.permission_denied", "permission denied")), false
			}
		}
	}

	h, ok := handlers[req.Type]
	if !ok {
		return errorFrame(ctx, req, newHandlerError(ErrNotFound, "err.unknown_type", "unknown message type")), false
	}

	payload, herr := h(ctx, req)
	if herr != nil {
		mustClose = herr.Kind == ErrBanned || (herr.Kind == ErrAuthentication && req.Type == "login")
		return errorFrame(ctx, req, herr), mustClose
	}
	return wire.Frame{Type: responseTypeOf(req.Type), MessageID: req.MessageID, Payload: payload}, false
}

type handlerFunc func(ctx *Context, req wire.Frame) ([]byte, *HandlerError)

var handlers = map[string]handlerFunc{
	"handshake":  handleHandshake,
	"login":      handleLogin,
	"chat_send":  handleChatSend,
	"user_edit":  handleUserEdit,
	"ban_create": handleBanCreate,
}

func responseTypeOf(reqType string) string {
	switch reqType {
	case "login":
		return "login_response"
	case "handshake":
		return "handshake"
	case "chat_send":
		return "chat_receive"
	case "user_edit":
		return "user_edit"
	case "ban_create":
		return "ban_create"
	default:
		return reqType
	}
}

// errorFrame renders every handler-layer failure as the generic
// Error{message, command} envelope (frame type "error"), whatever the
// request type; no typed response with success=false is produced.
// The locale renderer, when present, supplies the user-visible string;
// otherwise HandlerError.Msg is used verbatim (tests, CLI).
func errorFrame(ctx *Context, req wire.Frame, herr *HandlerError) wire.Frame {
	msg := herr.Msg
	if ctx.Locale != nil {
		msg = ctx.Locale.Render(ctx.SessionLocale, herr.LocaleKey)
	}
	return wire.Frame{
		Type:      "error",
		MessageID: req.MessageID,
		Payload:   marshal(GenericError{Message: msg, Command: req.Type}),
	}
}

func handleHandshake(ctx *Context, req wire.Frame) ([]byte, *HandlerError) {
	var hr HandshakeRequest
	if err := unmarshal(req.Payload, &hr); err != nil {
		return nil, newHandlerError(ErrInvalidPath, "err.bad_handshake", "malformed handshake")
	}
	ctx.State = StateAwaitLogin
	return marshal(HandshakeResponse{Accepted: true, ProtocolVersion: hr.ProtocolVersion}), nil
}

func handleLogin(ctx *Context, req wire.Frame) ([]byte, *HandlerError) {
	var lr LoginRequest
	if err := unmarshal(req.Payload, &lr); err != nil {
		return nil, newHandlerError(ErrAuthentication, "err.bad_login", "malformed login request")
	}

	if avatarErr := validateAvatar(lr.Avatar); avatarErr != nil {
		return nil, avatarErr
	}

	dbUserID, isAdmin, isShared, enabled, err := ctx.Store.Authenticate(lr.Username, lr.Password)
	if err != nil || !enabled {
		return nil, newHandlerError(ErrAuthentication, "err.bad_credentials", "invalid username or password")
	}

	perms, _ := ctx.Store.PermissionsOf(lr.Username)
	sess, addErr := ctx.Sessions.Add(session.AddParams{
		DBUserID:    dbUserID,
		Username:    lr.Username,
		Nickname:    lr.Nickname,
		IsAdmin:     isAdmin,
		IsShared:    isShared,
		Permissions: perms,
		PeerAddr:    ctx.PeerAddr,
		Locale:      lr.Locale,
		Avatar:      lr.Avatar,
		Tx:          ctx.Outbound,
	})
	if addErr != nil {
		return nil, newHandlerError(ErrExists, "err.nickname_in_use", addErr.Error())
	}

	ctx.SessionID = sess.ID
	ctx.State = StateActive
	ctx.SessionLocale = lr.Locale

	var serverName, serverDescription, serverImage string
	if ss, ok := ctx.Store.(interface {
		GetSetting(key string) (string, bool, error)
	}); ok {
		serverName, _, _ = ss.GetSetting("server_name")
		serverDescription, _, _ = ss.GetSetting("server_description")
		serverImage, _, _ = ss.GetSetting("server_image")
	}

	return marshal(LoginResponse{
		Success:           true,
		SessionID:         sess.ID,
		IsAdmin:           isAdmin,
		Permissions:       perms.Names(),
		ServerName:        serverName,
		ServerDescription: serverDescription,
		ServerImage:       serverImage,
	}), nil
}

func handleChatSend(ctx *Context, req wire.Frame) ([]byte, *HandlerError) {
	var cr ChatSendRequest
	if err := unmarshal(req.Payload, &cr); err != nil {
		return nil, newHandlerError(ErrInvalidPath, "err.bad_chat", "malformed chat message")
	}
	view, _ := ctx.Sessions.Get(ctx.SessionID)

	event := ChatReceiveEvent{ChannelID: cr.ChannelID, Nickname: view.Nickname, Message: cr.Message}
	id, err := wire.NewMessageID()
	if err != nil {
		return nil, newHandlerError(ErrDatabaseError, "err.internal", "could not generate message id")
	}
	ctx.Sessions.BroadcastUserEvent(wire.Frame{Type: "chat_receive", MessageID: id, Payload: marshal(event)}, 0)
	return marshal(struct {
		Success bool `json:"success"`
	}{true}), nil
}

func handleUserEdit(ctx *Context, req wire.Frame) ([]byte, *HandlerError) {
	var ur UserEditRequest
	if err := unmarshal(req.Payload, &ur); err != nil {
		return nil, newHandlerError(ErrInvalidPath, "err.bad_edit", "malformed edit request")
	}
	editorView, _ := ctx.Sessions.Get(ctx.SessionID)

	current, ok := ctx.Store.PermissionsOf(ur.TargetUsername)
	if !ok {
		return nil, newHandlerError(ErrNotFound, "err.user_not_found", "target user not found")
	}

	requested := permissionNamesToSet(ur.Permissions)
	var final session.PermissionSet
	if editorView.IsAdmin {
		final = requested
	} else {
		final = session.Merge(current, requested, editorView.Permissions)
	}

	if err := ctx.Store.SetPermissions(ur.TargetUsername, final); err != nil {
		return nil, newHandlerError(ErrDatabaseError, "err.store_failure", err.Error())
	}

	// Reflect the change into every live session of the target account.
	for _, v := range ctx.Sessions.SessionsByUsername(ur.TargetUsername) {
		ctx.Sessions.UpdatePermissions(v.DBUserID, final)
	}

	id, _ := wire.NewMessageID()
	ctx.Sessions.BroadcastToUsername(ur.TargetUsername, wire.Frame{
		Type:      "user_edit",
		MessageID: id,
		Payload:   marshal(UserEditResponse{Success: true, Permissions: final.Names()}),
	})

	return marshal(UserEditResponse{Success: true, Permissions: final.Names()}), nil
}

func handleBanCreate(ctx *Context, req wire.Frame) ([]byte, *HandlerError) {
	var br BanCreateRequest
	if err := unmarshal(req.Payload, &br); err != nil {
		return nil, newHandlerError(ErrInvalidPath, "err.bad_ban", "malformed ban request")
	}

	ip := net.ParseIP(br.Key)
	var cidr *net.IPNet
	if ip == nil {
		var err error
		ip, cidr, err = net.ParseCIDR(br.Key)
		if err != nil {
			return nil, newHandlerError(ErrInvalidPath, "err.bad_ip", "key is not a valid IP or CIDR")
		}
	}

	blocked := false
	if cidr != nil {
		blocked = ctx.Sessions.IsAdminConnectedInRange(cidr)
	} else {
		blocked = ctx.Sessions.IsAdminConnectedFromIP(ip)
	}
	if blocked {
		return nil, newHandlerError(ErrPermissionDenied, "err.would_evict_admin", "ban would disconnect an admin")
	}

	var expires time.Time
	if br.ExpiresAtUnix > 0 {
		expires = time.Unix(br.ExpiresAtUnix, 0)
	}
	if err := ctx.IPGuard.AddBan(br.Key, expires); err != nil {
		return nil, newHandlerError(ErrInvalidPath, "err.bad_ip", err.Error())
	}

	var match func(net.IP) bool
	if cidr != nil {
		match = cidr.Contains
	} else {
		match = ip.Equal
	}
	buildMsg := func(v session.View) wire.Frame {
		id, _ := wire.NewMessageID()
		return wire.Frame{Type: "error", MessageID: id, Payload: marshal(GenericError{Message: "account banned", Command: "ban_create"})}
	}
	var disconnected []session.Disconnected
	if cidr != nil {
		disconnected = ctx.Sessions.DisconnectSessionsInRange(cidr, buildMsg, nil)
	} else {
		disconnected = ctx.Sessions.DisconnectSessionsByIP(ip, buildMsg, nil)
	}
	ctx.Transfers.DisconnectMatching(match)

	for _, d := range disconnected {
		id, _ := wire.NewMessageID()
		ctx.Sessions.BroadcastUserEvent(wire.Frame{Type: "user_disconnected", MessageID: id, Payload: marshal(struct {
			SessionID uint32 `json:"session_id"`
			Nickname  string `json:"nickname"`
		}{d.SessionID, d.Nickname})}, 0)
	}

	return marshal(BanCreateResponse{Success: true}), nil
}
