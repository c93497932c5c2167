package matcher

import (
	"testing"

	"faceattend/internal/facecache"
	"faceattend/internal/facerec"
)

func entry(user, sample string, v ...float64) facecache.Entry {
	return facecache.Entry{UserID: user, SampleID: sample, Encoding: facerec.Encoding(v)}
}

func TestBestEmpty(t *testing.T) {
	if _, ok := Best(facerec.Encoding{0, 0}, nil, DefaultTolerance); ok {
		t.Error("empty entries must not match")
	}
}

func TestBestPicksNearest(t *testing.T) {
	entries := []facecache.Entry{
		entry("1", "a", 1, 0),
		entry("2", "b", 0.1, 0),
		entry("3", "c", 0.3, 0),
	}
	m, ok := Best(facerec.Encoding{0, 0}, entries, DefaultTolerance)
	if !ok {
		t.Fatal("expected a match")
	}
	if m.UserID != "2" || m.Index != 1 {
		t.Errorf("got %+v, want user 2 at index 1", m)
	}
}

func TestBestTieKeepsFirst(t *testing.T) {
	entries := []facecache.Entry{
		entry("9", "x", 0, 0.2),
		entry("4", "y", 0.2, 0),
		entry("1", "z", 0, -0.2),
	}
	m, ok := Best(facerec.Encoding{0, 0}, entries, DefaultTolerance)
	if !ok || m.UserID != "9" || m.Index != 0 {
		t.Errorf("got %+v ok=%v, want first entry (user 9)", m, ok)
	}
}

func TestToleranceBoundary(t *testing.T) {
	entries := []facecache.Entry{entry("7", "s", 0.5, 0)}
	tests := []struct {
		name  string
		probe facerec.Encoding
		want  bool
	}{
		{"inside", facerec.Encoding{0.01, 0}, true},
		{"exactly at tolerance", facerec.Encoding{0, 0}, true},
		{"just outside", facerec.Encoding{-0.0001, 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Best(tt.probe, entries, 0.5)
			if ok != tt.want {
				t.Errorf("match = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestBestIgnoresMismatchedLength(t *testing.T) {
	entries := []facecache.Entry{entry("1", "a", 0, 0, 0), entry("2", "b", 0.1, 0)}
	m, ok := Best(facerec.Encoding{0, 0}, entries, DefaultTolerance)
	if !ok || m.UserID != "2" {
		t.Errorf("got %+v ok=%v, want user 2", m, ok)
	}
}

func TestAllIndependent(t *testing.T) {
	entries := []facecache.Entry{entry("1", "a", 0, 0), entry("2", "b", 1, 1)}
	got := All([]facerec.Encoding{{1, 1}, {5, 5}, {0, 0.1}}, entries, DefaultTolerance)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0] == nil || got[0].UserID != "2" {
		t.Errorf("probe 0 = %+v, want user 2", got[0])
	}
	if got[1] != nil {
		t.Errorf("probe 1 = %+v, want no match", got[1])
	}
	if got[2] == nil || got[2].UserID != "1" {
		t.Errorf("probe 2 = %+v, want user 1", got[2])
	}
}
