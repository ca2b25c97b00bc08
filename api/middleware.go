package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/yllada/wg-manager/common"
)

const requestIDHeader = "X-Request-ID"

// withRequestID tags every request with an id, honoring one supplied by
// the caller.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written downstream.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withAccessLog logs one line per request.
func withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		common.LogDebug("%s %s -> %d (%s) [%s]",
			r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond),
			rec.Header().Get(requestIDHeader))
	})
}
