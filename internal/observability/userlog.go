package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// UserLog appends per-user activity lines to dated files laid out as
// <dir>/<user_id>/YYYY-MM-DD.log. One line per entry, UTF-8, appended
// so restarts continue the same day's file. Files rotate when the UTC
// date changes.
type UserLog struct {
	dir string
	now func() time.Time

	mu    sync.Mutex
	open  map[string]*os.File // keyed by user id
	dates map[string]string
}

func NewUserLog(dir string) *UserLog {
	return &UserLog{
		dir:   dir,
		now:   time.Now,
		open:  make(map[string]*os.File),
		dates: make(map[string]string),
	}
}

// Write appends one timestamped line to the user's current daily file.
// Newlines in the entry are flattened so each write stays one line.
func (l *UserLog) Write(userID, line string) error {
	if userID == "" || strings.ContainsAny(userID, `/\`) || userID == "." || userID == ".." {
		return fmt.Errorf("invalid user id %q", userID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	date := now.Format("2006-01-02")
	f, ok := l.open[userID]
	if !ok || l.dates[userID] != date {
		if ok {
			_ = f.Close()
		}
		userDir := filepath.Join(l.dir, userID)
		if err := os.MkdirAll(userDir, 0o755); err != nil {
			return fmt.Errorf("user log dir: %w", err)
		}
		var err error
		f, err = os.OpenFile(filepath.Join(userDir, date+".log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("user log file: %w", err)
		}
		l.open[userID] = f
		l.dates[userID] = date
	}

	line = strings.Join(strings.Fields(line), " ")
	_, err := fmt.Fprintf(f, "%s %s\n", now.Format(time.RFC3339), line)
	return err
}

// Close closes every open daily file.
func (l *UserLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var first error
	for id, f := range l.open {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(l.open, id)
		delete(l.dates, id)
	}
	return first
}
