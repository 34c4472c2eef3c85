package middleware

import (
	"bufio"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goclaw/sagaflow/pkg/logger"
)

// newTestRouter mounts mws in front of a handful of routes shaped like the
// operator API.
func newTestRouter(mws ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(mws...)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/api/v1/sagas/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"RUNNING"}`))
	})
	r.Get("/api/v1/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	r.Get("/api/v1/panic", func(http.ResponseWriter, *http.Request) {
		panic("store exploded")
	})
	r.Get("/api/v1/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
			w.WriteHeader(http.StatusOK)
		}
	})
	return r
}

// fileLogger logs JSON lines to a temp file that readLogLines can parse.
func fileLogger(t *testing.T, level logger.Level) (logger.Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "access.log")
	log := logger.New(&logger.Config{Level: level, Format: "json", Output: path})
	t.Cleanup(func() { _ = log.Close() })
	return log, path
}

func readLogLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		entry := map[string]any{}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("decode log line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, entry)
	}
	return lines
}
