// Package healthz serves liveness and readiness endpoints.
package healthz

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/golang/glog"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Handler answers 200 when every check passes and 503 otherwise.  A Handler
// without checks only reports that the process is serving.
type Handler struct {
	checks  map[string]Check
	timeout time.Duration
}

func New() *Handler {
	return &Handler{
		checks:  map[string]Check{},
		timeout: 5 * time.Second,
	}
}

// WithCheck adds a named check and returns h.
func (h *Handler) WithCheck(name string, c Check) *Handler {
	h.checks[name] = c
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var failures []string
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			glog.Warningf("Health check %s failed: %v", name, err)
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
		}
	}

	if len(failures) != 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		for _, f := range failures {
			fmt.Fprintln(w, f)
		}
		return
	}

	w.Write([]byte("200 OK"))
}
