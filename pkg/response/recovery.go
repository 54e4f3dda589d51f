package response

import (
	"fmt"
	"net/http"
	"runtime/debug"

	commonerrors "github.com/ronanzhan/servicecomb-saga/pkg/errors"
	"github.com/ronanzhan/servicecomb-saga/pkg/logger"
)

type statusWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

// Recovery prevents panics from crashing the process and returns a safe 500 response.
func Recovery(log *logger.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = logger.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &statusWriter{ResponseWriter: w}
			defer func() {
				if v := recover(); v != nil {
					log.WithContext(r.Context()).Errorf("panic recovered", map[string]interface{}{
						"panic":      fmt.Sprint(v),
						"request_id": RequestIDFromRequest(r),
						"stack":      string(debug.Stack()),
					})
					if !wrapped.wroteHeader {
						WriteErrorCode(wrapped, r, commonerrors.CodeInternal, "internal server error")
					}
				}
			}()
			next.ServeHTTP(wrapped, r)
		})
	}
}
