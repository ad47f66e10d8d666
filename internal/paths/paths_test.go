package paths

import (
	"path/filepath"
	"testing"
)

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := []struct {
		name string
		path string
		want string
	}{
		{"bare tilde", "~", home},
		{"tilde slash", "~/.cursor/mcp.json", filepath.Join(home, ".cursor", "mcp.json")},
		{"absolute unchanged", "/etc/mcpchat/config.yaml", "/etc/mcpchat/config.yaml"},
		{"relative unchanged", "audit.db", "audit.db"},
		{"empty unchanged", "", ""},
		{"other user unchanged", "~bob/file", "~bob/file"},
		{"dash unchanged", "-", "-"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandHome(tt.path); got != tt.want {
				t.Errorf("ExpandHome(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestCursorServersFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if got, want := CursorServersFile(), filepath.Join(home, ".cursor", "mcp.json"); got != want {
		t.Errorf("CursorServersFile() = %q, want %q", got, want)
	}
}
