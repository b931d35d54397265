package transfer

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"nexus/internal/session"
	"nexus/internal/wire"
)

// ProtocolVersion is this build's transfer-port protocol version string
// (spec §4.D step 2, "exchange protocol version strings").
const ProtocolVersion = "1.0"

// Types is the transfer port's smaller closed set of message types (spec
// §6 "Transfer port wire format"), carved out of wire.DefaultTypes rather
// than duplicating the payload caps.
var Types = wire.TypeTable{
	"transfer_handshake":     wire.DefaultTypes["transfer_handshake"],
	"transfer_login":         wire.DefaultTypes["transfer_login"],
	"file_download":          wire.DefaultTypes["file_download"],
	"file_download_response": wire.DefaultTypes["file_download_response"],
	"file_upload":            wire.DefaultTypes["file_upload"],
	"file_start":             wire.DefaultTypes["file_start"],
	"file_start_response":    wire.DefaultTypes["file_start_response"],
	"file_data":              wire.DefaultTypes["file_data"],
	"transfer_complete":      wire.DefaultTypes["transfer_complete"],
	"error":                  wire.DefaultTypes["error"],
}

// AccountStore is the narrow authentication slice the transfer port needs
// — the same shape dispatch.AccountStore uses for the control port, kept
// as a separate interface here so this package never imports dispatch.
type AccountStore interface {
	Authenticate(username, password string) (dbUserID int64, isAdmin, isShared, enabled bool, err error)
	PermissionsOf(username string) (session.PermissionSet, bool)
}

// AuthedUser is the transfer port's lightweight authenticated-user struct
// (spec §4.D step 3: "transfer connections carry their own lightweight
// authenticated-user struct with cached permissions" rather than being
// registered in the session manager).
type AuthedUser struct {
	Username    string
	IsAdmin     bool
	Permissions session.PermissionSet
}

type handshakeRequest struct {
	ProtocolVersion string `json:"protocol_version"`
}

type handshakeResponse struct {
	Accepted        bool   `json:"accepted"`
	ProtocolVersion string `json:"protocol_version"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

type fileDownloadRequest struct {
	Path string `json:"path"`
}

type fileDownloadResponse struct {
	Success    bool   `json:"success"`
	TransferID string `json:"transfer_id,omitempty"`
	TotalSize  int64  `json:"total_size,omitempty"`
	FileCount  int    `json:"file_count,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Error      string `json:"error,omitempty"`
}

type fileUploadRequest struct {
	Path string `json:"path"`
}

// fileStart announces one file's identity (path relative to the transfer
// root, its full size, and its full-file sha256) in whichever direction
// is currently streaming.
type fileStart struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Sha256 string `json:"sha256"`
}

// fileStateReport is what the *receiving* side already has for this path
// — used both ways (spec's open-question resolution: upload mirrors
// download). On download the client reports its local partial copy back
// to the server; on upload the server reports its local partial copy
// back to the client. Either way ResumeOffset treats it as "the report".
type fileStateReport struct {
	Size    int64  `json:"size"`
	Sha256  string `json:"sha256,omitempty"`
	HasHash bool   `json:"has_hash"`
}

type transferComplete struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type genericError struct {
	Message string `json:"message"`
	Command string `json:"command"`
}

// Limits bounds how long a transfer-port connection may sit idle and how
// long a frame/progress gap may run before the connection is dropped
// (spec §4.A).
type Limits struct {
	IdleTimeout     time.Duration
	FrameTimeout    time.Duration
	ProgressTimeout time.Duration
}

// canonicalizer resolves and re-checks a user-supplied relative path
// against an area root (spec §4.D "Path containment").
type canonicalizer struct {
	root         string
	adminEscapes []string
}

func (c canonicalizer) resolve(raw string) (string, error) {
	joined, err := JoinContained(c.root, raw)
	if err != nil {
		return "", err
	}
	canonical, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			canonical = joined // destination for an upload need not exist yet
		} else {
			return "", err
		}
	}
	if err := CheckCanonicalContainment(c.root, canonical, c.adminEscapes); err != nil {
		return "", err
	}
	return canonical, nil
}

// readableEntry is one file selected for a download transfer.
type readableEntry struct {
	absPath string
	relPath string
	size    int64
}

// enumerate walks root looking for regular files under canonicalPath
// (a file or directory), excluding any file whose ancestor directory is
// a dropbox the requesting user cannot read from (spec §4.D "Directory
// folder-type semantics").
func enumerate(areaRoot, canonicalPath, username string, isAdmin bool) ([]readableEntry, error) {
	info, err := os.Stat(canonicalPath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		rel, err := filepath.Rel(areaRoot, canonicalPath)
		if err != nil {
			return nil, err
		}
		return []readableEntry{{absPath: canonicalPath, relPath: rel, size: info.Size()}}, nil
	}

	var out []readableEntry
	err = filepath.WalkDir(canonicalPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if blocksUser(areaRoot, p, username, isAdmin) {
				return filepath.SkipDir
			}
			return nil
		}
		if blocksUser(areaRoot, filepath.Dir(p), username, isAdmin) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(areaRoot, p)
		if err != nil {
			return err
		}
		out = append(out, readableEntry{absPath: p, relPath: rel, size: fi.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// blocksUser reports whether any ancestor of dir, from areaRoot down to
// dir itself, is a dropbox the requesting user may not read from.
func blocksUser(areaRoot, dir, username string, isAdmin bool) bool {
	rel, err := filepath.Rel(areaRoot, dir)
	if err != nil || rel == "." {
		return false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	for _, part := range parts {
		ft, owner := ParseFolderType(part)
		if !CanRead(ft, owner, username, isAdmin) {
			return true
		}
	}
	return false
}

// HandleConn drives one transfer-port connection end to end (spec §4.D
// "Transfer-port session flow"): handshake, login, a single download or
// upload request, then close. It never touches the session manager —
// transfer connections are not chat sessions.
func HandleConn(conn net.Conn, registry *Registry, store AccountStore, areaRoot string, adminEscapes []string, limits Limits) {
	defer conn.Close()

	dec := wire.NewDecoder(conn, Types)
	enc := wire.NewEncoder(conn)

	if !performHandshake(dec, enc, limits) {
		return
	}
	user, ok := performLogin(dec, enc, store, limits)
	if !ok {
		return
	}

	canon := canonicalizer{root: areaRoot, adminEscapes: adminEscapes}

	req, err := dec.ReadFrame(limits.IdleTimeout, limits.FrameTimeout)
	if err != nil {
		return
	}

	switch req.Type {
	case "file_download":
		handleDownload(dec, enc, registry, conn, user, canon, req, limits)
	case "file_upload":
		handleUpload(dec, enc, registry, conn, user, canon, req, limits)
	default:
		writeGenericError(enc, req.MessageID, "unexpected request; expected file_download or file_upload", req.Type)
	}
}

func performHandshake(dec *wire.Decoder, enc *wire.Encoder, limits Limits) bool {
	req, err := dec.ReadFrame(limits.IdleTimeout, limits.FrameTimeout)
	if err != nil || req.Type != "transfer_handshake" {
		return false
	}
	var hreq handshakeRequest
	if err := json.Unmarshal(req.Payload, &hreq); err != nil {
		return false
	}
	accepted := majorVersion(hreq.ProtocolVersion) == majorVersion(ProtocolVersion) &&
		minorVersion(hreq.ProtocolVersion) <= minorVersion(ProtocolVersion)
	resp := handshakeResponse{Accepted: accepted, ProtocolVersion: ProtocolVersion}
	_ = enc.WriteFrame("transfer_handshake", req.MessageID, marshalJSON(resp))
	return accepted
}

func majorVersion(v string) string {
	parts := strings.SplitN(v, ".", 2)
	return parts[0]
}

func minorVersion(v string) int {
	parts := strings.SplitN(v, ".", 2)
	if len(parts) < 2 {
		return 0
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return n
}

func performLogin(dec *wire.Decoder, enc *wire.Encoder, store AccountStore, limits Limits) (AuthedUser, bool) {
	req, err := dec.ReadFrame(limits.IdleTimeout, limits.FrameTimeout)
	if err != nil || req.Type != "transfer_login" {
		return AuthedUser{}, false
	}
	var lreq loginRequest
	if err := json.Unmarshal(req.Payload, &lreq); err != nil {
		_ = enc.WriteFrame("transfer_login", req.MessageID, marshalJSON(loginResponse{Success: false, ErrorKind: "Authentication", Error: "malformed login request"}))
		return AuthedUser{}, false
	}

	_, isAdmin, _, enabled, err := store.Authenticate(lreq.Username, lreq.Password)
	if err != nil || !enabled {
		_ = enc.WriteFrame("transfer_login", req.MessageID, marshalJSON(loginResponse{Success: false, ErrorKind: "Authentication", Error: "invalid credentials or disabled account"}))
		return AuthedUser{}, false
	}
	perms, _ := store.PermissionsOf(lreq.Username)

	_ = enc.WriteFrame("transfer_login", req.MessageID, marshalJSON(loginResponse{Success: true}))
	return AuthedUser{Username: lreq.Username, IsAdmin: isAdmin, Permissions: perms}, true
}

func handleDownload(dec *wire.Decoder, enc *wire.Encoder, registry *Registry, conn net.Conn, user AuthedUser, canon canonicalizer, req wire.Frame, limits Limits) {
	if !user.Permissions.Has(session.PermFileDownload, user.IsAdmin) {
		writeGenericError(enc, req.MessageID, "permission denied", req.Type)
		return
	}

	var dreq fileDownloadRequest
	if err := json.Unmarshal(req.Payload, &dreq); err != nil {
		writeGenericError(enc, req.MessageID, "malformed file_download request", req.Type)
		return
	}

	canonical, err := canon.resolve(dreq.Path)
	if err != nil {
		_ = enc.WriteFrame("file_download_response", req.MessageID, marshalJSON(fileDownloadResponse{Success: false, ErrorKind: "InvalidPath", Error: err.Error()}))
		return
	}
	entries, err := enumerate(canon.root, canonical, user.Username, user.IsAdmin)
	if err != nil {
		_ = enc.WriteFrame("file_download_response", req.MessageID, marshalJSON(fileDownloadResponse{Success: false, ErrorKind: "NotFound", Error: err.Error()}))
		return
	}

	var totalSize int64
	for _, e := range entries {
		totalSize += e.size
	}

	t, unregister := registry.Register(conn.RemoteAddr(), user.Username, user.Username, Download, dreq.Path, totalSize)
	defer unregister()

	_ = enc.WriteFrame("file_download_response", req.MessageID, marshalJSON(fileDownloadResponse{
		Success: true, TransferID: t.TransferID, TotalSize: totalSize, FileCount: len(entries),
	}))

	for _, e := range entries {
		if !streamOneFileOut(dec, enc, t, e, limits) {
			_ = enc.WriteFrame("transfer_complete", req.MessageID, marshalJSON(transferComplete{Success: false, Error: "transfer interrupted"}))
			return
		}
	}
	_ = enc.WriteFrame("transfer_complete", req.MessageID, marshalJSON(transferComplete{Success: true}))
}

func streamOneFileOut(dec *wire.Decoder, enc *wire.Encoder, t *ActiveTransfer, e readableEntry, limits Limits) bool {
	hash, err := HashFile(e.absPath)
	if err != nil {
		return false
	}
	msgID, err := wire.NewMessageID()
	if err != nil {
		return false
	}
	if err := enc.WriteFrame("file_start", msgID, marshalJSON(fileStart{Path: e.relPath, Size: e.size, Sha256: hash})); err != nil {
		return false
	}

	respFrame, err := dec.ReadFrame(limits.IdleTimeout, limits.FrameTimeout)
	if err != nil || respFrame.Type != "file_start_response" {
		return false
	}
	var report fileStateReport
	if err := json.Unmarshal(respFrame.Payload, &report); err != nil {
		return false
	}

	offset, err := ResumeOffset(e.size, hash, ClientReport{Size: report.Size, Hash: report.Sha256, HasHash: report.HasHash}, func(n int64) (string, error) {
		return HashFilePrefix(e.absPath, n)
	})
	if err != nil {
		return false
	}
	if offset >= e.size {
		return true // already complete; spec step 7.d "skip streaming"
	}

	f, err := os.Open(e.absPath)
	if err != nil {
		return false
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return false
	}

	dataMsgID, err := wire.NewMessageID()
	if err != nil {
		return false
	}
	if err := StreamFileToWire(t, enc, dataMsgID, f, e.size-offset); err != nil {
		return false
	}
	return true
}

func handleUpload(dec *wire.Decoder, enc *wire.Encoder, registry *Registry, conn net.Conn, user AuthedUser, canon canonicalizer, req wire.Frame, limits Limits) {
	if !user.Permissions.Has(session.PermFileUpload, user.IsAdmin) {
		writeGenericError(enc, req.MessageID, "permission denied", req.Type)
		return
	}

	var ureq fileUploadRequest
	if err := json.Unmarshal(req.Payload, &ureq); err != nil {
		writeGenericError(enc, req.MessageID, "malformed file_upload request", req.Type)
		return
	}

	destDir, err := canon.resolve(filepath.Dir(ureq.Path))
	if err != nil {
		writeGenericError(enc, req.MessageID, err.Error(), req.Type)
		return
	}
	if ft, owner := ParseFolderType(filepath.Base(destDir)); !CanRead(ft, owner, user.Username, user.IsAdmin) && ft != FolderUploadOnly {
		writeGenericError(enc, req.MessageID, "destination folder is not writable by this account", req.Type)
		return
	}
	destPath := filepath.Join(destDir, filepath.Base(ureq.Path))

	t, unregister := registry.Register(conn.RemoteAddr(), user.Username, user.Username, Upload, ureq.Path, 0)
	defer unregister()

	startFrame, err := dec.ReadFrame(limits.IdleTimeout, limits.FrameTimeout)
	if err != nil || startFrame.Type != "file_start" {
		return
	}
	var announce fileStart
	if err := json.Unmarshal(startFrame.Payload, &announce); err != nil {
		return
	}

	var localSize int64
	var localHash string
	var hasLocal bool
	if fi, err := os.Stat(destPath); err == nil {
		localSize = fi.Size()
		if h, err := HashFile(destPath); err == nil {
			localHash = h
			hasLocal = true
		}
	}

	if err := enc.WriteFrame("file_start_response", startFrame.MessageID, marshalJSON(fileStateReport{Size: localSize, Sha256: localHash, HasHash: hasLocal})); err != nil {
		return
	}

	offset, err := ResumeOffset(announce.Size, announce.Sha256, ClientReport{Size: localSize, Hash: localHash, HasHash: hasLocal}, func(n int64) (string, error) {
		return HashFilePrefix(destPath, n)
	})
	if err != nil {
		return
	}
	if offset >= announce.Size {
		_ = enc.WriteFrame("transfer_complete", startFrame.MessageID, marshalJSON(transferComplete{Success: true}))
		return
	}

	hdr, err := dec.ReadHeader(limits.IdleTimeout, limits.FrameTimeout)
	if err != nil || hdr.Type != "file_data" {
		return
	}

	flag := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flag |= os.O_TRUNC
	}
	dst, err := os.OpenFile(destPath, flag, 0o644)
	if err != nil {
		_ = dec.StreamPayload(hdr, io.Discard, limits.ProgressTimeout)
		return
	}
	defer dst.Close()
	if _, err := dst.Seek(offset, io.SeekStart); err != nil {
		return
	}

	// A ban mid-stream drains whatever payload bytes StreamFileFromWire
	// never wrote to disk (via wire.ErrStopWriting) so the connection is
	// left at a clean frame boundary, then skips the success-carrying
	// transfer_complete below.
	if err := StreamFileFromWire(t, dec, hdr, dst, limits.ProgressTimeout); err != nil {
		if !errors.Is(err, ErrBanned) {
			_ = enc.WriteFrame("transfer_complete", startFrame.MessageID, marshalJSON(transferComplete{Success: false, Error: "transfer interrupted"}))
		}
		return
	}
	_ = enc.WriteFrame("transfer_complete", startFrame.MessageID, marshalJSON(transferComplete{Success: true}))
}

func writeGenericError(enc *wire.Encoder, messageID, message, command string) {
	_ = enc.WriteFrame("error", messageID, marshalJSON(genericError{Message: message, Command: command}))
}

func marshalJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("transfer: marshal: " + err.Error())
	}
	return b
}
