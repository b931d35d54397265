package dispatch

import (
	"encoding/base64"
	"strings"
)

// maxAvatarDataURILength bounds a session's avatar (spec §3 "optional
// avatar (bounded data URI)"). The original's validators module enforces
// its own MAX_AVATAR_DATA_URI_LENGTH constant; that value wasn't part of
// the retrieved source, so this repo picks a comparable bound for a
// small raster/vector avatar image.
const maxAvatarDataURILength = 64 * 1024

// avatarMediaTypes is the closed set of accepted avatar image types,
// grounded in the original login handler's unsupported-type error
// message, which names PNG, WebP, and SVG as the supported set.
var avatarMediaTypes = map[string]bool{
	"image/png":     true,
	"image/webp":    true,
	"image/svg+xml": true,
}

// validateAvatar checks a login's optional avatar data URI against the
// same three failure modes the original's validate_avatar distinguishes:
// too large, malformed (missing the required "data:<type>;base64,"
// shape), or an unsupported image type.
func validateAvatar(avatar string) *HandlerError {
	if avatar == "" {
		return nil
	}
	if len(avatar) > maxAvatarDataURILength {
		return newHandlerError(ErrAuthentication, "err.avatar_too_large", "avatar data URI too large")
	}
	rest, ok := strings.CutPrefix(avatar, "data:")
	if !ok {
		return newHandlerError(ErrAuthentication, "err.avatar_invalid_format", "malformed avatar data URI")
	}
	mediaType, encoded, ok := strings.Cut(rest, ";base64,")
	if !ok {
		return newHandlerError(ErrAuthentication, "err.avatar_invalid_format", "malformed avatar data URI")
	}
	if !avatarMediaTypes[mediaType] {
		return newHandlerError(ErrAuthentication, "err.avatar_unsupported_type", "unsupported avatar image type")
	}
	if _, err := base64.StdEncoding.DecodeString(encoded); err != nil {
		return newHandlerError(ErrAuthentication, "err.avatar_invalid_format", "malformed avatar data URI")
	}
	return nil
}
