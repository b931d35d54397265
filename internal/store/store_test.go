package store

import (
	"database/sql"
	"testing"
	"time"

	"nexus/internal/session"
)

// newMemStore opens an in-memory SQLite database, runs migrations, and
// returns the store. The database is discarded when the test process exits.
func newMemStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplied(t *testing.T) {
	s := newMemStore(t)

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d migrations recorded, got %d", len(migrations), count)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	s := newMemStore(t)

	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d rows after second migrate, got %d", len(migrations), count)
	}
}

func TestCreateUserAndAuthenticate(t *testing.T) {
	s := newMemStore(t)

	id, err := s.CreateUser("alice", "hunter2", false, false, session.PermissionSet(session.PermChatSend))
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected positive id, got %d", id)
	}

	dbUserID, isAdmin, isShared, enabled, err := s.Authenticate("alice", "hunter2")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if dbUserID != id || isAdmin || isShared || !enabled {
		t.Errorf("unexpected account flags: id=%d admin=%v shared=%v enabled=%v", dbUserID, isAdmin, isShared, enabled)
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	s := newMemStore(t)
	s.CreateUser("alice", "hunter2", false, false, 0)

	if _, _, _, _, err := s.Authenticate("alice", "wrong"); err == nil {
		t.Fatal("expected error for wrong password")
	}
}

func TestAuthenticateUnknownUser(t *testing.T) {
	s := newMemStore(t)

	if _, _, _, _, err := s.Authenticate("ghost", "whatever"); err != ErrUserNotFound {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	s := newMemStore(t)
	if _, err := s.CreateUser("alice", "pw1", false, false, 0); err != nil {
		t.Fatalf("first CreateUser: %v", err)
	}
	if _, err := s.CreateUser("alice", "pw2", false, false, 0); err != ErrUserExists {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
}

func TestPermissionsOfRoundTrip(t *testing.T) {
	s := newMemStore(t)
	want := session.PermissionSet(session.PermChatSend | session.PermUserEdit)
	s.CreateUser("alice", "pw", false, false, want)

	got, ok := s.PermissionsOf("alice")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if got != want {
		t.Errorf("expected %v, got %v", want, got)
	}

	updated := session.PermissionSet(session.PermBanCreate)
	if err := s.SetPermissions("alice", updated); err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}
	got, _ = s.PermissionsOf("alice")
	if got != updated {
		t.Errorf("expected %v after update, got %v", updated, got)
	}
}

func TestIsLastAdmin(t *testing.T) {
	s := newMemStore(t)
	s.CreateUser("root", "pw", true, false, 0)
	s.CreateUser("alice", "pw", false, false, 0)

	if !s.IsLastAdmin("root") {
		t.Error("expected root to be the last admin")
	}
	if s.IsLastAdmin("alice") {
		t.Error("alice is not an admin at all")
	}

	s.CreateUser("root2", "pw", true, false, 0)
	if s.IsLastAdmin("root") {
		t.Error("expected root to no longer be the last admin once root2 exists")
	}
}

func TestSetAdminRefusesToDemoteLastAdmin(t *testing.T) {
	s := newMemStore(t)
	s.CreateUser("root", "pw", true, false, 0)

	if err := s.SetAdmin("root", false); err != ErrLastAdmin {
		t.Errorf("expected ErrLastAdmin, got %v", err)
	}
}

func TestDeleteUserRefusesToDeleteLastAdmin(t *testing.T) {
	s := newMemStore(t)
	s.CreateUser("root", "pw", true, false, 0)

	if err := s.DeleteUser("root"); err != ErrLastAdmin {
		t.Errorf("expected ErrLastAdmin, got %v", err)
	}
}

func TestUsernameExists(t *testing.T) {
	s := newMemStore(t)
	if s.UsernameExists("alice") {
		t.Fatal("expected false before creation")
	}
	s.CreateUser("alice", "pw", false, false, 0)
	if !s.UsernameExists("alice") {
		t.Fatal("expected true after creation")
	}
}

func TestBootstrapGuestAccountOnlyWhenEmpty(t *testing.T) {
	s := newMemStore(t)
	if err := s.BootstrapGuestAccount(); err != nil {
		t.Fatalf("BootstrapGuestAccount: %v", err)
	}
	if !s.UsernameExists("guest") {
		t.Fatal("expected guest account to be created")
	}

	s2 := newMemStore(t)
	s2.CreateUser("root", "pw", true, false, 0)
	if err := s2.BootstrapGuestAccount(); err != nil {
		t.Fatalf("BootstrapGuestAccount: %v", err)
	}
	if s2.UsernameExists("guest") {
		t.Fatal("expected no guest account once any account already exists")
	}
}

func TestIPRuleInsertListAndRemove(t *testing.T) {
	s := newMemStore(t)

	if err := s.InsertBan("203.0.113.5", time.Time{}, "troll", "root"); err != nil {
		t.Fatalf("InsertBan: %v", err)
	}
	if err := s.InsertTrust("10.0.0.0/8", time.Time{}, "internal", "root"); err != nil {
		t.Fatalf("InsertTrust: %v", err)
	}

	rules, err := s.ListIPRules()
	if err != nil {
		t.Fatalf("ListIPRules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}

	if err := s.RemoveBan("203.0.113.5"); err != nil {
		t.Fatalf("RemoveBan: %v", err)
	}
	rules, _ = s.ListIPRules()
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule after removal, got %d", len(rules))
	}
	if rules[0].Kind != "trust" {
		t.Errorf("expected remaining rule to be the trust, got %q", rules[0].Kind)
	}
}

func TestIPRuleUpsertOnConflict(t *testing.T) {
	s := newMemStore(t)
	s.InsertBan("203.0.113.5", time.Time{}, "first", "root")
	s.InsertBan("203.0.113.5", time.Time{}, "second", "root")

	rules, _ := s.ListIPRules()
	if len(rules) != 1 {
		t.Fatalf("expected the second insert to replace the first, got %d rows", len(rules))
	}
	if rules[0].NicknameAnnotation != "second" {
		t.Errorf("expected annotation %q, got %q", "second", rules[0].NicknameAnnotation)
	}
}

func TestPurgeExpiredIPRules(t *testing.T) {
	s := newMemStore(t)
	s.InsertBan("203.0.113.5", time.Now().Add(-time.Hour), "expired", "root")
	s.InsertBan("198.51.100.9", time.Now().Add(time.Hour), "active", "root")

	n, err := s.PurgeExpiredIPRules()
	if err != nil {
		t.Fatalf("PurgeExpiredIPRules: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged rule, got %d", n)
	}

	rules, _ := s.ListIPRules()
	if len(rules) != 1 || rules[0].Key != "198.51.100.9" {
		t.Fatalf("expected only the active rule to remain, got %+v", rules)
	}
}

func TestGetSetSetting(t *testing.T) {
	s := newMemStore(t)

	val, ok, err := s.GetSetting("server_name")
	if err != nil {
		t.Fatalf("GetSetting missing key: %v", err)
	}
	if ok {
		t.Errorf("expected ok=false for missing key, got %q", val)
	}

	if err := s.SetSetting("server_name", "My Server"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}

	val, ok, err = s.GetSetting("server_name")
	if err != nil {
		t.Fatalf("GetSetting after set: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true after set")
	}
	if val != "My Server" {
		t.Errorf("expected %q, got %q", "My Server", val)
	}
}

func TestSetSettingUpsert(t *testing.T) {
	s := newMemStore(t)

	s.SetSetting("x", "first")
	s.SetSetting("x", "second")

	val, ok, err := s.GetSetting("x")
	if err != nil || !ok {
		t.Fatalf("GetSetting: val=%q ok=%v err=%v", val, ok, err)
	}
	if val != "second" {
		t.Errorf("expected %q after upsert, got %q", "second", val)
	}
}

func TestCreateAndGetChannels(t *testing.T) {
	s := newMemStore(t)

	id, err := s.CreateChannel("General")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	channels, err := s.GetChannels()
	if err != nil {
		t.Fatalf("GetChannels: %v", err)
	}
	if len(channels) != 1 || channels[0].ID != id || channels[0].Name != "General" {
		t.Fatalf("unexpected channels: %+v", channels)
	}
}

func TestSetChannelTopic(t *testing.T) {
	s := newMemStore(t)
	id, _ := s.CreateChannel("General")

	if err := s.SetChannelTopic(id, "welcome"); err != nil {
		t.Fatalf("SetChannelTopic: %v", err)
	}
	channels, _ := s.GetChannels()
	if channels[0].Topic != "welcome" {
		t.Errorf("expected topic %q, got %q", "welcome", channels[0].Topic)
	}
}

func TestRenameChannelNotFound(t *testing.T) {
	s := newMemStore(t)

	if err := s.RenameChannel(9999, "X"); err != sql.ErrNoRows {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestDeleteChannel(t *testing.T) {
	s := newMemStore(t)
	id, _ := s.CreateChannel("Temp")

	if err := s.DeleteChannel(id); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	channels, _ := s.GetChannels()
	if len(channels) != 0 {
		t.Errorf("expected 0 channels after delete, got %d", len(channels))
	}
}

func TestAuditLogInsertAndQuery(t *testing.T) {
	s := newMemStore(t)

	if err := s.InsertAuditLog("root", "ban_create", "203.0.113.5", ""); err != nil {
		t.Fatalf("InsertAuditLog: %v", err)
	}
	if err := s.InsertAuditLog("root", "user_edit", "alice", `{"permissions":["ChatSend"]}`); err != nil {
		t.Fatalf("InsertAuditLog: %v", err)
	}

	entries, err := s.GetAuditLog("", 10)
	if err != nil {
		t.Fatalf("GetAuditLog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != "user_edit" {
		t.Errorf("expected most recent first, got %q", entries[0].Action)
	}

	filtered, err := s.GetAuditLog("ban_create", 10)
	if err != nil {
		t.Fatalf("GetAuditLog filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Target != "203.0.113.5" {
		t.Fatalf("unexpected filtered entries: %+v", filtered)
	}
}

func TestGetAllSettings(t *testing.T) {
	s := newMemStore(t)
	s.SetSetting("a", "1")
	s.SetSetting("b", "2")

	all, err := s.GetAllSettings()
	if err != nil {
		t.Fatalf("GetAllSettings: %v", err)
	}
	if all["a"] != "1" || all["b"] != "2" {
		t.Fatalf("unexpected settings map: %+v", all)
	}
}
