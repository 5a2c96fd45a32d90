package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/fatih/color"
)

var (
	okColor       = color.New(color.FgGreen, color.Bold)
	redirectColor = color.New(color.FgYellow)
	failColor     = color.New(color.FgRed, color.Bold)
	pathColor     = color.New(color.FgCyan)
)

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	code := strconv.Itoa(statusCode)
	switch {
	case statusCode >= 200 && statusCode < 300:
		return okColor.Sprint(code)
	case statusCode >= 300 && statusCode < 400:
		return redirectColor.Sprint(code)
	case statusCode >= 400:
		return failColor.Sprint(code)
	default:
		return code
	}
}

// LoggingMiddleware logs method, path, status and duration of every request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			pathColor.Sprint(r.RequestURI),
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}
