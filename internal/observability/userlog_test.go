package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestUserLogWritesDatedFile(t *testing.T) {
	dir := t.TempDir()
	l := NewUserLog(dir)
	l.now = func() time.Time { return time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC) }
	defer l.Close()

	if err := l.Write("u1", "conversation.complete session=s1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Write("u1", "line two\nwith a break"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "u1", "2026-08-26.log"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2: %q", len(lines), data)
	}
	if !strings.Contains(lines[0], "conversation.complete session=s1") {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "line two with a break") {
		t.Errorf("newline not flattened: %q", lines[1])
	}
}

func TestUserLogRotatesOnDateChange(t *testing.T) {
	dir := t.TempDir()
	l := NewUserLog(dir)
	defer l.Close()

	day := time.Date(2026, 8, 26, 23, 59, 0, 0, time.UTC)
	l.now = func() time.Time { return day }
	if err := l.Write("u1", "before midnight"); err != nil {
		t.Fatal(err)
	}
	day = day.Add(2 * time.Minute)
	if err := l.Write("u1", "after midnight"); err != nil {
		t.Fatal(err)
	}

	for file, want := range map[string]string{
		"2026-08-26.log": "before midnight",
		"2026-08-27.log": "after midnight",
	} {
		data, err := os.ReadFile(filepath.Join(dir, "u1", file))
		if err != nil {
			t.Fatalf("%s: %v", file, err)
		}
		if !strings.Contains(string(data), want) {
			t.Errorf("%s = %q, want %q", file, data, want)
		}
	}
}

func TestUserLogRefusesPathLikeUserIDs(t *testing.T) {
	l := NewUserLog(t.TempDir())
	defer l.Close()
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if err := l.Write(id, "x"); err == nil {
			t.Errorf("user id %q accepted", id)
		}
	}
}
