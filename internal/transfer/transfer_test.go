package transfer

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestResumeOffsetTable(t *testing.T) {
	const serverSize = 1000
	serverHash := "serverhash"

	prefixHash := func(n int64) (string, error) {
		if n == 400 {
			return "goodprefix", nil
		}
		return "otherprefix", nil
	}

	cases := []struct {
		name   string
		report ClientReport
		want   int64
	}{
		{"zero size", ClientReport{Size: 0, HasHash: true, Hash: "x"}, 0},
		{"size exceeds server", ClientReport{Size: serverSize + 1, HasHash: true, Hash: "x"}, 0},
		{"hash absent", ClientReport{Size: 400, HasHash: false}, 0},
		{"complete and matches", ClientReport{Size: serverSize, HasHash: true, Hash: serverHash}, serverSize},
		{"complete but mismatched", ClientReport{Size: serverSize, HasHash: true, Hash: "wrong"}, 0},
		{"partial and matches prefix", ClientReport{Size: 400, HasHash: true, Hash: "goodprefix"}, 400},
		{"partial and mismatched prefix", ClientReport{Size: 400, HasHash: true, Hash: "wrong"}, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResumeOffset(serverSize, serverHash, tc.report, prefixHash)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got offset %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHashFileAndPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	data := bytes.Repeat([]byte{0x42}, 1000)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	full, err := HashFile(path)
	if err != nil {
		t.Fatalf("hash file: %v", err)
	}
	prefix, err := HashFilePrefix(path, 400)
	if err != nil {
		t.Fatalf("hash prefix: %v", err)
	}
	if full == prefix {
		t.Fatalf("expected full hash and 400-byte prefix hash to differ")
	}

	// Re-hashing the identical prefix must be deterministic.
	prefix2, err := HashFilePrefix(path, 400)
	if err != nil {
		t.Fatalf("hash prefix 2: %v", err)
	}
	if prefix != prefix2 {
		t.Fatalf("expected prefix hash to be deterministic")
	}
}

func TestParseFolderType(t *testing.T) {
	cases := []struct {
		name      string
		wantType  FolderType
		wantOwner string
	}{
		{"incoming", FolderPlain, ""},
		{"uploads [UL]", FolderUploadOnly, ""},
		{"shared [ul]", FolderUploadOnly, ""},
		{"private [DB]", FolderDropbox, ""},
		{"private [db]", FolderDropbox, ""},
		{"alice-stuff [DB-alice]", FolderUserDropbox, "alice"},
		{"bob-stuff [Db-Bob]", FolderUserDropbox, "Bob"},
	}
	for _, tc := range cases {
		ft, owner := ParseFolderType(tc.name)
		if ft != tc.wantType || owner != tc.wantOwner {
			t.Errorf("ParseFolderType(%q) = (%v, %q), want (%v, %q)", tc.name, ft, owner, tc.wantType, tc.wantOwner)
		}
	}
}

func TestCanRead(t *testing.T) {
	if CanRead(FolderDropbox, "", "alice", false) {
		t.Fatalf("expected non-admin to be denied read on a plain dropbox")
	}
	if !CanRead(FolderDropbox, "", "alice", true) {
		t.Fatalf("expected admin to read any dropbox")
	}
	if !CanRead(FolderUserDropbox, "alice", "alice", false) {
		t.Fatalf("expected owner to read their own user dropbox")
	}
	if CanRead(FolderUserDropbox, "alice", "bob", false) {
		t.Fatalf("expected non-owner, non-admin to be denied")
	}
	if !CanRead(FolderPlain, "", "anyone", false) {
		t.Fatalf("expected plain folders to always be readable")
	}
}

func TestRetagOnRenamePreservesExactSuffix(t *testing.T) {
	got := RetagOnRename("old-name [DB-Alice]", "new-name")
	if got != "new-name [DB-Alice]" {
		t.Fatalf("expected exact-case suffix preservation, got %q", got)
	}

	got = RetagOnRename("old [ul]", "new")
	if got != "new [ul]" {
		t.Fatalf("expected lowercase suffix preserved verbatim, got %q", got)
	}
}

func TestValidateRawPathRejectsNUL(t *testing.T) {
	if err := ValidateRawPath("foo\x00bar"); err != ErrPathContainsNUL {
		t.Fatalf("expected ErrPathContainsNUL, got %v", err)
	}
}

func TestValidateRawPathRejectsDriveLetter(t *testing.T) {
	if err := ValidateRawPath("C:\\Windows"); err != ErrPathContainsDrive {
		t.Fatalf("expected ErrPathContainsDrive, got %v", err)
	}
}

func TestValidateRawPathRejectsControlChar(t *testing.T) {
	if err := ValidateRawPath("foo\x01bar"); err != ErrPathContainsControl {
		t.Fatalf("expected ErrPathContainsControl, got %v", err)
	}
}

func TestJoinContainedRejectsTraversal(t *testing.T) {
	if _, err := JoinContained("/srv/files", "../../etc/passwd"); err != ErrPathEscapesAreaRoot {
		t.Fatalf("expected ErrPathEscapesAreaRoot, got %v", err)
	}
}

func TestJoinContainedAllowsNestedPath(t *testing.T) {
	got, err := JoinContained("/srv/files", "sub/dir/file.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Join("/srv/files", "sub/dir/file.txt")
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCheckCanonicalContainmentAdminEscape(t *testing.T) {
	err := CheckCanonicalContainment("/srv/files", "/mnt/external/shared/doc.txt", []string{"/mnt/external/shared"})
	if err != nil {
		t.Fatalf("expected admin-established escape to be trusted, got %v", err)
	}
}

func TestCheckCanonicalContainmentRejectsUnknownEscape(t *testing.T) {
	err := CheckCanonicalContainment("/srv/files", "/etc/passwd", nil)
	if err != ErrPathEscapesAreaRoot {
		t.Fatalf("expected ErrPathEscapesAreaRoot, got %v", err)
	}
}

func TestRegistryRegisterAndUnregister(t *testing.T) {
	r := NewRegistry()
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 4242}
	tr, unregister := r.Register(addr, "alice", "alice", Download, "/files/a.bin", 1000)

	if len(r.Snapshot()) != 1 {
		t.Fatalf("expected one active transfer after register")
	}
	if tr.Banned() {
		t.Fatalf("freshly registered transfer must not be banned")
	}

	unregister()
	if len(r.Snapshot()) != 0 {
		t.Fatalf("expected zero active transfers after unregister")
	}
}

func TestDisconnectMatchingBansTransfer(t *testing.T) {
	r := NewRegistry()
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 4242}
	tr, unregister := r.Register(addr, "alice", "alice", Download, "/files/a.bin", 1000)
	defer unregister()

	n := r.DisconnectMatching(func(ip net.IP) bool { return ip.Equal(net.ParseIP("10.0.0.5")) })
	if n != 1 {
		t.Fatalf("expected one transfer matched, got %d", n)
	}
	if !tr.Banned() {
		t.Fatalf("expected the matched transfer to observe the ban")
	}
}

func TestStreamOutCopiesAllBytesAndTracksProgress(t *testing.T) {
	r := NewRegistry()
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1}
	tr, unregister := r.Register(addr, "alice", "alice", Download, "/f", 5)
	defer unregister()

	src := bytes.NewReader([]byte("hello"))
	var dst bytes.Buffer
	if err := StreamOut(tr, &dst, src, 5); err != nil {
		t.Fatalf("stream out: %v", err)
	}
	if dst.String() != "hello" {
		t.Fatalf("got %q, want %q", dst.String(), "hello")
	}
	if tr.BytesTransferred() != 5 {
		t.Fatalf("expected bytes_transferred = 5, got %d", tr.BytesTransferred())
	}
}

func TestStreamOutStopsOnBan(t *testing.T) {
	r := NewRegistry()
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.9"), Port: 1}
	tr, unregister := r.Register(addr, "alice", "alice", Download, "/f", 5)
	defer unregister()

	r.DisconnectMatching(func(ip net.IP) bool { return true })

	src := bytes.NewReader([]byte("hello"))
	var dst bytes.Buffer
	err := StreamOut(tr, &dst, src, 5)
	if err != ErrBanned {
		t.Fatalf("expected ErrBanned, got %v", err)
	}
}
