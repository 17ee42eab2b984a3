package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// CorrelationIDHeader carries the id that ties a request to its log entry and
// queue message.
const CorrelationIDHeader = "X-Correlation-ID"

// Correlation keeps a caller-supplied correlation id when it is a valid UUID
// and generates one otherwise. The id is echoed on the response.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get(CorrelationIDHeader))
		if err != nil {
			id = uuid.New()
		}

		w.Header().Set(CorrelationIDHeader, id.String())
		next.ServeHTTP(w, r.WithContext(WithCorrelationID(r.Context(), id.String())))
	})
}

// WithCorrelationID returns a copy of ctx carrying id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

func GetCorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}
