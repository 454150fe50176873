package session

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestChannelDirLayout(t *testing.T) {
	dir := ChannelDir("/data", "acme", 2)
	want := filepath.Join("/data", "companies", "acme", "phone2")
	if dir != want {
		t.Errorf("ChannelDir = %q, want %q", dir, want)
	}
}

func TestSessionDBUnderChannelDir(t *testing.T) {
	db := SessionDBPath("/data", "acme", 0)
	if !strings.HasPrefix(db, ChannelDir("/data", "acme", 0)) {
		t.Errorf("session db %q not under channel dir", db)
	}
	if filepath.Base(db) != "session.db" {
		t.Errorf("session db base = %q, want session.db", filepath.Base(db))
	}
}

func TestEnsureDataDir(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "campd")
	if err := EnsureDataDir(dataDir); err != nil {
		t.Fatal(err)
	}
	if err := EnsureChannelDir(dataDir, "acme", 1); err != nil {
		t.Fatal(err)
	}
}
