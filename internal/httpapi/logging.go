package httpapi

import (
	"expvar"
	"log"
	"net/http"
	"strings"
	"time"
)

var (
	requestsTotal  = expvar.NewInt("requests_total")
	requestsErrors = expvar.NewInt("requests_errors_total")
	requestsByOp   = expvar.NewMap("requests_by_operation")
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// operationLabel buckets a request into one of the queue operations so the
// expvar map stays small regardless of entry ids in the path.
func operationLabel(method, path string) string {
	switch {
	case path == "/healthz":
		return "healthz"
	case path == "/api/queue-entries":
		if method == http.MethodPost {
			return "entry.create"
		}
		return "entry.list"
	case strings.HasPrefix(path, "/api/queue-entries/"):
		rest := strings.Trim(strings.TrimPrefix(path, "/api/queue-entries/"), "/")
		switch {
		case strings.HasSuffix(rest, "/status"):
			return "entry.change_status"
		case strings.HasSuffix(rest, "/events"):
			return "entry.events"
		case method == http.MethodDelete:
			return "entry.delete"
		default:
			return "entry.get"
		}
	case path == "/api/queues":
		return "queue.read"
	case path == "/api/queues/reorder":
		return "queue.reorder"
	case path == "/api/queues/statistics":
		return "queue.statistics"
	case path == "/api/events":
		return "events.feed"
	default:
		return "other"
	}
}

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)
		duration := time.Since(start)
		operation := operationLabel(r.Method, r.URL.Path)
		requestsTotal.Add(1)
		requestsByOp.Add(operation, 1)
		if writer.status >= http.StatusBadRequest {
			requestsErrors.Add(1)
		}
		tenantID := r.Header.Get("X-Tenant-ID")
		requestID := r.Header.Get("X-Request-ID")
		log.Printf("request op=%s method=%s path=%s status=%d duration_ms=%d tenant=%s request_id=%s", operation, r.Method, r.URL.Path, writer.status, duration.Milliseconds(), tenantID, requestID)
	})
}
