package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeList(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batch.list")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing list file: %v", err)
	}
	return path
}

func TestCollectImages(t *testing.T) {
	list := writeList(t, `# nightly batch
img_a.txt
img_b.txt 42.5 58.0

`)
	images, err := collectImages(list, []string{"img_c.txt"})
	if err != nil {
		t.Fatalf("collectImages: %v", err)
	}
	if len(images) != 3 {
		t.Fatalf("%d images, want 3", len(images))
	}
	if images[0].Path != "img_c.txt" {
		t.Errorf("argument image first, got %q", images[0].Path)
	}
	if images[1].Path != "img_a.txt" || images[1].GuessX != 0 || images[1].GuessY != 0 {
		t.Errorf("bare list entry = %+v", images[1])
	}
	if images[2].Path != "img_b.txt" || images[2].GuessX != 42.5 || images[2].GuessY != 58.0 {
		t.Errorf("guessed list entry = %+v", images[2])
	}
}

func TestCollectImagesRejectsMalformedLines(t *testing.T) {
	for _, tc := range []struct {
		name, line string
	}{
		{"lone guess coordinate", "img.txt 42.5"},
		{"bad guess_x", "img.txt nope 58.0"},
		{"bad guess_y", "img.txt 42.5 nope"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := collectImages(writeList(t, tc.line+"\n"), nil); err == nil {
				t.Errorf("line %q accepted", tc.line)
			}
		})
	}
}
