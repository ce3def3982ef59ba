/*Package logger provides request-scoped structured logging on top of
logrus. Handlers retrieve the logger with FromContext; every HTTP
request gets its own request ID through the router middleware. The
request ID can be serialized into messages crossing the event bus and
restored on the consuming side.
*/
package logger

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type contextLoggerValues struct {
	RequestID string `json:"requestID"`
	Identity  string `json:"identity"`
}

type contextKeyRequestLoggerType struct{}

var contextKeyRequestLogger = &contextKeyRequestLoggerType{}

const (
	requestIDLoggerKey string = "requestID"
	identityLoggerKey  string = "identity"
)

// InitLogger sets up the custom time formatter for all log statements.
func InitLogger(logLevel logrus.Level) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	logrus.SetLevel(logLevel)
}

// AddRequestID installs a middleware that equips every request context
// with a logger carrying a fresh request ID.
func AddRequestID(router *mux.Router) {
	router.Use(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, _ := ContextWithLogger(r.Context())
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	})
}

// Default returns a logger without a request ID.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ContextWithLogger returns a context with a logger. If the given
// context already has one, it is returned unchanged.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else if rlog := loggerFromContext(ctx); rlog != nil {
		return ctx, rlog
	}
	id, _ := uuid.NewUUID()
	rlog := logrus.WithField(requestIDLoggerKey, id.String())
	return context.WithValue(ctx, contextKeyRequestLogger, rlog), rlog
}

// ContextWithLoggerIdentity returns a context with a logger that also
// carries the given identity.
func ContextWithLoggerIdentity(ctx context.Context, identity string) (context.Context, *logrus.Entry) {
	ctx, rlog := ContextWithLogger(ctx)
	rlog = rlog.WithField(identityLoggerKey, identity)
	return context.WithValue(ctx, contextKeyRequestLogger, rlog), rlog
}

// FromContext returns the logger from the context, or the default
// logger if the context has none.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return Default()
	}
	if rlog := loggerFromContext(ctx); rlog != nil {
		return rlog
	}
	return Default()
}

func loggerFromContext(ctx context.Context) *logrus.Entry {
	rlog, ok := ctx.Value(contextKeyRequestLogger).(*logrus.Entry)
	if !ok {
		return nil
	}
	return rlog
}

// SerializeLoggerContext extracts the logger parameters from the
// context as JSON, suitable for embedding into bus messages.
func SerializeLoggerContext(ctx context.Context) []byte {
	values := loggerValues(ctx)
	if values.RequestID == "" {
		return []byte("{}")
	}
	res, err := json.Marshal(values)
	if err != nil {
		return []byte("{}")
	}
	return res
}

// ContextWithLoggerFromData restores a logger from serialized
// parameters. Invalid data yields a fresh logger instead.
func ContextWithLoggerFromData(ctx context.Context, data []byte) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if rlog := loggerFromContext(ctx); rlog != nil {
		return ctx
	}

	var values contextLoggerValues
	if err := json.Unmarshal(data, &values); err != nil || values.RequestID == "" {
		ctx, _ = ContextWithLogger(ctx)
		return ctx
	}
	rlog := logrus.WithField(requestIDLoggerKey, values.RequestID)
	if values.Identity != "" {
		rlog = rlog.WithField(identityLoggerKey, values.Identity)
	}
	return context.WithValue(ctx, contextKeyRequestLogger, rlog)
}

// RequestIDFromContext returns the request id for the given context.
func RequestIDFromContext(ctx context.Context) string {
	return loggerValues(ctx).RequestID
}

func loggerValues(ctx context.Context) contextLoggerValues {
	var values contextLoggerValues
	if ctx == nil {
		return values
	}
	rlog := loggerFromContext(ctx)
	if rlog == nil {
		return values
	}
	if s, ok := rlog.Data[requestIDLoggerKey].(string); ok {
		values.RequestID = s
	}
	if s, ok := rlog.Data[identityLoggerKey].(string); ok {
		values.Identity = s
	}
	return values
}
