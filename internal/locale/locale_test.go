package locale

import "testing"

func TestRenderEnglishDefault(t *testing.T) {
	c := New()
	got := c.Render("en", "err.permission_denied")
	if got != "permission denied" {
		t.Errorf("got %q, want %q", got, "permission denied")
	}
}

func TestRenderFrenchTranslation(t *testing.T) {
	c := New()
	got := c.Render("fr", "err.permission_denied")
	if got != "permission refusée" {
		t.Errorf("got %q, want %q", got, "permission refusée")
	}
}

func TestRenderUnknownLocaleFallsBackToEnglish(t *testing.T) {
	c := New()
	got := c.Render("xx-unknown", "err.unknown_type")
	if got != "unknown message type" {
		t.Errorf("got %q, want %q", got, "unknown message type")
	}
}

func TestRenderMissingTranslationFallsBackToEnglish(t *testing.T) {
	c := New()
	// "err.session_gone" has no German entry.
	got := c.Render("de", "err.session_gone")
	if got != "session no longer exists" {
		t.Errorf("got %q, want %q", got, "session no longer exists")
	}
}

func TestRenderNicknameInUse(t *testing.T) {
	c := New()
	got := c.Render("en", "err.nickname_in_use")
	if got != "nickname is already in use" {
		t.Errorf("got %q, want %q", got, "nickname is already in use")
	}
}

func TestRenderUnknownKeyReturnsKeyItself(t *testing.T) {
	c := New()
	got := c.Render("en", "err.totally_made_up")
	if got != "err.totally_made_up" {
		t.Errorf("got %q, want key itself", got)
	}
}
