package admin

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/cyberinferno/turnserver/logger"
	"github.com/cyberinferno/turnserver/model"
)

// statusWriter captures the status code and size of a response.
type statusWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (rw *statusWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *statusWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Logging logs every request at debug level.
func Logging(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			log.Debug("http request",
				logger.Field{Key: "method", Value: r.Method},
				logger.Field{Key: "path", Value: r.URL.Path},
				logger.Field{Key: "status", Value: wrapped.status},
				logger.Field{Key: "size", Value: wrapped.size},
				logger.Field{Key: "duration_ms", Value: float64(time.Since(start).Microseconds()) / 1000},
			)
		})
	}
}

// Recovery turns a handler panic into a 500 reply.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Error("panic recovered",
						logger.Field{Key: "error", Value: fmt.Sprint(err)},
						logger.Field{Key: "stack", Value: string(debug.Stack())},
						logger.Field{Key: "method", Value: r.Method},
						logger.Field{Key: "path", Value: r.URL.Path},
					)

					respondJSON(w, http.StatusInternalServerError, ErrorResponse{Code: model.CodeInternalError, Message: "internal error"})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
