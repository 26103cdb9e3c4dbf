package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}
	cases := map[string]string{
		"":          "",
		"/srv/m":    "/srv/m",
		"~":         home,
		"~/models":  filepath.Join(home, "models"),
		"rel/~path": "rel/~path",
	}
	for in, want := range cases {
		got, err := ExpandHome(in)
		if err != nil {
			t.Fatalf("ExpandHome(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ExpandHome(%q)=%q want %q", in, got, want)
		}
	}
}

func TestWriteAtomic(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "bucket", "resnet", "1", "model.gguf")
	n, err := WriteAtomic(dst, strings.NewReader("weights"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 || !HasSize(dst, 7) {
		t.Fatalf("n=%d hasSize=%v", n, HasSize(dst, 7))
	}
	if HasSize(dst, 8) || HasSize(filepath.Dir(dst), 0) {
		t.Fatal("HasSize matched wrong size or a directory")
	}

	// A failing reader leaves neither the target nor a temp file behind.
	bad := filepath.Join(filepath.Dir(dst), "broken.gguf")
	if _, err := WriteAtomic(bad, failingReader{}); err == nil {
		t.Fatal("expected error")
	}
	ents, _ := os.ReadDir(filepath.Dir(dst))
	if len(ents) != 1 || ents[0].Name() != "model.gguf" {
		t.Fatalf("dir entries=%v", ents)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("reset by peer") }
