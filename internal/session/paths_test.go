package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	t.Setenv(HomeEnv, "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".chatsync", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestHomeOverride(t *testing.T) {
	base := t.TempDir()
	t.Setenv(HomeEnv, base)
	if got := CacheDBPath("work"); got != filepath.Join(base, "sessions", "work", "cache.db") {
		t.Errorf("CacheDBPath(work) = %q", got)
	}
	if got := ConfigPath(); got != filepath.Join(base, "config.toml") {
		t.Errorf("ConfigPath() = %q", got)
	}
}

func TestSessionFilePaths(t *testing.T) {
	tests := []struct {
		got, suffix string
	}{
		{SocketPath("test"), filepath.Join("sessions", "test", "daemon.sock")},
		{LockPath("test"), filepath.Join("sessions", "test", "LOCK")},
		{SessionConfigPath("test"), filepath.Join("sessions", "test", "config.toml")},
		{LogPath("test"), filepath.Join("sessions", "test", "logs", "chatsyncd.log")},
	}
	for _, tt := range tests {
		if !strings.HasSuffix(tt.got, tt.suffix) {
			t.Errorf("%q does not end with %q", tt.got, tt.suffix)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{Dir("test"), LogDir("test")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if !info.IsDir() || info.Mode().Perm() != 0700 {
			t.Errorf("%s: mode %v", d, info.Mode())
		}
	}
}
