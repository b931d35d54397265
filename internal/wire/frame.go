package wire

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Magic is the three fixed bytes every frame begins with.
var Magic = [3]byte{'N', 'X', '1'}

const (
	// MessageIDLen is the fixed length of the ASCII lowercase hex message id.
	MessageIDLen = 12

	// maxTypeLengthDigits bounds the decimal type-length field (spec §4.A step 2).
	maxTypeLengthDigits = 3

	// maxPayloadLengthDigits bounds the decimal payload-length field (spec §4.A step 7).
	maxPayloadLengthDigits = 20

	// delimiter separates header fields; terminator ends the frame.
	delimiter  byte = '\n'
	terminator byte = '\x00'

	// streamChunkSize is the chunk size used by the zero-copy streaming path.
	streamChunkSize = 64 * 1024
)

// TypeLimit describes the payload size cap for one message type.
// A Base of 0 means unlimited; otherwise the effective cap is Base * 1.2
// (spec §3 "limits are base × 1.2"), computed by Max().
type TypeLimit struct {
	Base int64
}

// Max returns the effective cap in bytes, or 0 for unlimited.
func (t TypeLimit) Max() int64 {
	if t.Base == 0 {
		return 0
	}
	return t.Base + t.Base/5 // base * 1.2
}

// TypeTable is the closed set of known message types and their payload caps.
// Unknown types are rejected at decode (spec §3, §4.A step 3).
type TypeTable map[string]TypeLimit

// DefaultTypes is the built-in closed set used by both the control and
// transfer ports. Callers may supply a narrower table (e.g. the transfer
// port's reduced type set, spec §6) to NewDecoder; NewEncoder takes no
// type table and does not check the type name.
var DefaultTypes = TypeTable{
	// Control port — handshake & auth
	"handshake":      {Base: 4 << 10},
	"login":          {Base: 4 << 10},
	"login_response": {Base: 4 << 10},

	// Control port — user admin / presence
	"user_list":        {Base: 1 << 20},
	"user_info":        {Base: 16 << 10},
	"user_create":      {Base: 4 << 10},
	"user_edit":        {Base: 4 << 10},
	"user_delete":      {Base: 1 << 10},
	"user_disconnected": {Base: 4 << 10},
	"presence_update":  {Base: 4 << 10},

	// Control port — chat / channels (uniform CRUD, no new engineering per spec §1)
	"chat_send":    {Base: 64 << 10},
	"chat_receive": {Base: 64 << 10},
	"chat_topic":   {Base: 4 << 10},
	"channel_list": {Base: 1 << 20},

	// Control port — bans/trusts
	"ban_create":  {Base: 4 << 10},
	"trust_create": {Base: 4 << 10},
	"ban_remove":  {Base: 4 << 10},

	// Generic envelope (spec §4.E error envelope rule)
	"error": {Base: 16 << 10},

	// Transfer port (spec §6)
	"transfer_handshake":   {Base: 4 << 10},
	"transfer_login":       {Base: 4 << 10},
	"file_download":        {Base: 4 << 10},
	"file_download_response": {Base: 4 << 10},
	"file_upload":          {Base: 4 << 10},
	"file_start":           {Base: 4 << 10},
	"file_start_response":  {Base: 4 << 10},
	"file_data":            {Base: 0}, // unlimited: streamed
	"transfer_complete":    {Base: 4 << 10},
}

// Frame is one fully decoded wire unit.
type Frame struct {
	Type      string
	MessageID string
	Payload   []byte
}

// Header is a decoded frame header, used by the streaming read path before
// the payload itself is consumed.
type Header struct {
	Type          string
	MessageID     string
	PayloadLength int64
}

// NewMessageID generates a fresh 12-character lowercase hex message id.
func NewMessageID() (string, error) {
	var raw [MessageIDLen / 2]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("wire: generate message id: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}

func validMessageID(s string) bool {
	if len(s) != MessageIDLen {
		return false
	}
	for _, c := range []byte(s) {
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
