package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/promethea/promethea/internal/fault"
	"github.com/promethea/promethea/pkg/models"
)

// apiHandler is a route handler that reports failures as errors; the
// adapter normalizes them into the wire taxonomy.
type apiHandler func(w http.ResponseWriter, r *http.Request) error

func (s *Server) handle(fn apiHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			s.writeError(w, r, err)
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := fault.HTTPStatus(err)
	if after := fault.RetryAfter(err); after > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(after.Seconds())+1))
	}
	s.log.Warn(r.Context(), "request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"kind", string(kind),
		"error", err)
	_ = writeJSON(w, status, map[string]any{
		"error": fault.UserMessage(err),
		"kind":  string(kind),
	})
}

// decodeBody reads a JSON request body with a sane size cap.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Wrap(fault.KindInvalidArguments, "malformed request body", err)
	}
	return nil
}

// userFrom returns the authenticated identity set by the auth
// middleware.
func userFrom(r *http.Request) (models.User, bool) {
	u, ok := r.Context().Value(userContextKey{}).(models.User)
	return u, ok
}

type userContextKey struct{}
