package api

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/JFK/kagura-ai-sub007/pkg/auth"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/logger"
)

const (
	// maxBodyBytes bounds request bodies on every route.
	maxBodyBytes = 1 << 20
	// maxMemoryBodyBytes is the higher bound for memory writes, which carry
	// the memory value inline.
	maxMemoryBodyBytes = 5 << 20
)

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// limitBody caps request bodies. Memory writes get a larger budget; the
// limit surfaces as a validation error when the handler reads the body.
func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := int64(maxBodyBytes)
		if memoryWrite(r) {
			limit = maxMemoryBodyBytes
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}

func memoryWrite(r *http.Request) bool {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/v1/memory")
}

// requestLogger logs one line per request and converts panics into 500s.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorw("panic serving request",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				if ww.Status() == 0 {
					auth.WriteError(ww, kerrors.NewInternalError("request handling failed", nil))
				}
				return
			}
			logger.Infow("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}
