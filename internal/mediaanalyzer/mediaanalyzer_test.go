package mediaanalyzer

import (
	"testing"
	"time"
)

func TestApplyOffsetPositive(t *testing.T) {
	local := mustParse(t, "2024-06-01T10:00:00Z")
	got, ok := applyOffset(local, "+02:00")
	if !ok {
		t.Fatalf("expected offset to parse")
	}
	want := mustParse(t, "2024-06-01T08:00:00Z")
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestApplyOffsetNegative(t *testing.T) {
	local := mustParse(t, "2024-06-01T10:00:00Z")
	got, ok := applyOffset(local, "-05:00")
	if !ok {
		t.Fatalf("expected offset to parse")
	}
	want := mustParse(t, "2024-06-01T15:00:00Z")
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestApplyOffsetRejectsMalformed(t *testing.T) {
	local := mustParse(t, "2024-06-01T10:00:00Z")
	if _, ok := applyOffset(local, "nonsense"); ok {
		t.Fatalf("expected malformed offset to be rejected")
	}
}

func TestMimeFromExtension(t *testing.T) {
	cases := map[string]string{
		"a/b.JPG":  "image/jpeg",
		"a/b.heic": "image/heic",
		"a/b.mp4":  "video/mp4",
		"a/b.xyz":  "application/octet-stream",
	}
	for path, want := range cases {
		if got := mimeFromExtension(path); got != want {
			t.Errorf("mimeFromExtension(%q) = %q, want %q", path, got, want)
		}
	}
}

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parsing %q: %v", s, err)
	}
	return parsed
}
