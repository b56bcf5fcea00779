package logger

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	httpmiddleware "github.com/peritoai/periti/internal/http"
	"github.com/peritoai/periti/internal/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func Setup(dev bool) zerolog.Logger {
	var logger zerolog.Logger
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return logger
}

// Requests logs every HTTP request and records the request metrics. The request logger
// is attached to the request context, so handlers can use zerolog.Ctx.
func Requests(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqLogger := logger.With().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("client_ip", httpmiddleware.ClientIPFromContext(r.Context())).
				Str("request_id", httpmiddleware.RequestIDFromContext(r.Context())).
				Logger()

			r = r.WithContext(reqLogger.WithContext(r.Context()))

			m := httpsnoop.CaptureMetrics(next, w, r)

			metrics := telemetry.GetMetrics()
			attrs := metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("status", strconv.Itoa(m.Code)),
			)
			metrics.HTTPRequestsTotal.Add(r.Context(), 1, attrs)
			metrics.HTTPRequestDuration.Record(r.Context(), float64(m.Duration.Milliseconds()), attrs)

			event := reqLogger.Info()
			switch {
			case m.Code >= http.StatusInternalServerError:
				event = reqLogger.Error()
			case m.Code >= http.StatusBadRequest:
				event = reqLogger.Warn()
			}

			event.
				Int("status", m.Code).
				Int64("bytes", m.Written).
				Dur("duration", m.Duration).
				Msg("http request")
		})
	}
}
