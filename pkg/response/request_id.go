package response

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/ronanzhan/servicecomb-saga/pkg/logger"
)

// RequestIDHeader 在请求和响应上携带请求 ID
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 128

// RequestIDFromContext 读取 RequestIDMiddleware 写入的请求 ID
func RequestIDFromContext(ctx context.Context) string {
	return logger.RequestIDFromContext(ctx)
}

// RequestIDMiddleware 沿用调用方（omega 或运维工具）传入的请求 ID，缺失或过长时生成新的，
// 并写入 context 供日志关联
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := RequestIDFromRequest(r)
		if reqID == "" || len(reqID) > maxRequestIDLen {
			reqID = uuid.NewString()
		}
		r.Header.Set(RequestIDHeader, reqID)
		w.Header().Set(RequestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(logger.ContextWithRequestID(r.Context(), reqID)))
	})
}
