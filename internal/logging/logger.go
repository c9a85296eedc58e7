// Package logging configures the process-wide slog logger and carries a
// request-scoped logger through contexts.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
)

// RequestIDHeader is read from incoming requests and echoed on responses.
const RequestIDHeader = "X-Request-ID"

// Logger is the process logger. Request handlers log through FromContext.
var Logger = New(os.Stdout, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

// New builds a logger writing to w. format "text" selects slog's text
// handler; anything else is JSON.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Setup replaces Logger (and slog's default) with one writing to stdout.
func Setup(level, format string) {
	SetupWriter(os.Stdout, level, format)
}

func SetupWriter(w io.Writer, level, format string) {
	Logger = New(w, level, format)
	slog.SetDefault(Logger)
}

// ParseLevel accepts slog level names in any case ("debug", "WARN",
// "info+2"). Unknown input means info.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

type requestKey struct{}

type requestScope struct {
	id  string
	log *slog.Logger
}

// WithRequestID returns ctx carrying id and a logger tagged with it.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestKey{}, requestScope{
		id:  id,
		log: Logger.With("request_id", id),
	})
}

func RequestIDFromContext(ctx context.Context) string {
	sc, _ := ctx.Value(requestKey{}).(requestScope)
	return sc.id
}

// FromContext returns the request's logger, or Logger outside a request.
func FromContext(ctx context.Context) *slog.Logger {
	if sc, ok := ctx.Value(requestKey{}).(requestScope); ok && sc.log != nil {
		return sc.log
	}
	return Logger
}

func NewRequestID() string {
	return uuid.NewString()
}

// Middleware tags each request with an ID, reusing the client's when given.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = NewRequestID()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}
