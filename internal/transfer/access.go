package transfer

import (
	"errors"
	"path/filepath"
	"strings"
)

// FolderType is the access-control classification encoded in a
// directory's name suffix (spec §4.D "Directory folder-type semantics").
type FolderType int

const (
	FolderPlain FolderType = iota
	FolderUploadOnly
	FolderDropbox
	FolderUserDropbox
)

// ParseFolderType recognizes the [UL]/[DB]/[DB-<owner>] suffix on a
// directory's base name, case-insensitively, and returns the folder type
// plus the owner name for FolderUserDropbox. Recognition is
// case-insensitive, but RetagOnRename always re-emits the original bytes
// unchanged on rename (see RetagOnRename) — only the read-side
// classification ignores case.
func ParseFolderType(dirName string) (FolderType, string) {
	upper := strings.ToUpper(dirName)
	switch {
	case strings.HasSuffix(upper, "[UL]"):
		return FolderUploadOnly, ""
	case strings.HasSuffix(upper, "[DB]"):
		return FolderDropbox, ""
	default:
		if idx := strings.LastIndex(upper, "[DB-"); idx != -1 && strings.HasSuffix(upper, "]") {
			owner := dirName[idx+4 : len(dirName)-1]
			return FolderUserDropbox, owner
		}
	}
	return FolderPlain, ""
}

// CanRead reports whether a user (possibly admin) may read from a
// directory of folder type ft owned by owner.
func CanRead(ft FolderType, owner, username string, isAdmin bool) bool {
	switch ft {
	case FolderDropbox:
		return isAdmin
	case FolderUserDropbox:
		return isAdmin || strings.EqualFold(owner, username)
	default:
		return true
	}
}

// RetagOnRename re-derives the destination name for a rename that must
// preserve the folder-type suffix byte-for-byte: the original suffix
// (exact case, exact brackets), together with the spaces separating it
// from the old base name, is carried over onto the new base name
// rather than being re-synthesized from the parsed, case-folded
// FolderType. This resolves the "does a rename normalize or preserve the
// tag" open question in favor of preservation: admins who deliberately
// wrote "[Db-Alice]" keep seeing exactly that string.
func RetagOnRename(oldName, newBaseName string) string {
	_, _ = ParseFolderType(oldName) // validate there is a recognizable tag
	upper := strings.ToUpper(oldName)
	tagStart := -1
	for _, marker := range []string{"[UL]", "[DB]"} {
		if strings.HasSuffix(upper, marker) {
			tagStart = len(oldName) - len(marker)
			break
		}
	}
	if idx := strings.LastIndex(upper, "[DB-"); tagStart == -1 && idx != -1 && strings.HasSuffix(upper, "]") {
		tagStart = idx
	}
	if tagStart != -1 {
		for tagStart > 0 && oldName[tagStart-1] == ' ' {
			tagStart--
		}
		return newBaseName + oldName[tagStart:]
	}
	return newBaseName
}

// PathCap bounds the length in bytes of the whole user-supplied path (spec
// §4.D "Path containment" step 2).
const PathCap = 4096

var (
	ErrPathContainsNUL      = errors.New("transfer: path contains NUL byte")
	ErrPathContainsDrive    = errors.New("transfer: path contains a drive letter")
	ErrPathContainsControl  = errors.New("transfer: path contains a control character")
	ErrPathTooLong          = errors.New("transfer: path exceeds the maximum length")
	ErrPathEscapesAreaRoot  = errors.New("transfer: path escapes its area root")
)

// ValidateRawPath rejects the raw, user-supplied path fragment per spec
// §4.D steps 1-2, before it is ever joined to an area root.
func ValidateRawPath(raw string) error {
	if len(raw) > PathCap {
		return ErrPathTooLong
	}
	for _, r := range raw {
		if r == 0 {
			return ErrPathContainsNUL
		}
		if r < 0x20 || r == 0x7f {
			return ErrPathContainsControl
		}
	}
	if len(raw) >= 2 && raw[1] == ':' {
		c := raw[0]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			return ErrPathContainsDrive
		}
	}
	return nil
}

// JoinContained joins raw to root and verifies, lexically, that the
// result still lies under root (spec §4.D steps 3-4). It does not touch
// the filesystem; callers canonicalize separately (step 5) and re-check
// containment with CheckCanonicalContainment (step 6).
func JoinContained(root, raw string) (string, error) {
	if err := ValidateRawPath(raw); err != nil {
		return "", err
	}
	joined := filepath.Join(root, raw)
	cleanRoot := filepath.Clean(root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", ErrPathEscapesAreaRoot
	}
	return joined, nil
}

// CheckCanonicalContainment re-verifies area containment against the
// filesystem-canonicalized path (spec §4.D step 6). adminEscapes lists
// canonical paths the area root admin has explicitly allowed to resolve
// outside root (a deliberately created symlink); any canonical path
// equal to, or nested under, one of those is trusted despite falling
// outside root.
func CheckCanonicalContainment(root, canonical string, adminEscapes []string) error {
	cleanRoot := filepath.Clean(root)
	if canonical == cleanRoot || strings.HasPrefix(canonical, cleanRoot+string(filepath.Separator)) {
		return nil
	}
	for _, allowed := range adminEscapes {
		allowed = filepath.Clean(allowed)
		if canonical == allowed || strings.HasPrefix(canonical, allowed+string(filepath.Separator)) {
			return nil
		}
	}
	return ErrPathEscapesAreaRoot
}
