package accesslog

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wudi/bankgate/internal/config"
	"github.com/wudi/bankgate/internal/logging"
)

// Outcome is the category of a terminal response.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeClient   Outcome = "client_error"
	OutcomePolicy   Outcome = "policy_denied"
	OutcomeUpstream Outcome = "upstream_failure"
	OutcomeInternal Outcome = "internal_fault"
)

// Gate names used in decision records.
const (
	GateReceived   = "received"
	GateAccess     = "access"
	GateSecurity   = "security"
	GateRate       = "rate"
	GateConnection = "connection"
	GateRouting    = "routing"
	GateCache      = "cache"
	GateDispatch   = "dispatch"
)

// Record is the single structured log entry written per terminal response.
type Record struct {
	Timestamp     time.Time
	CorrelationID string
	ClientIP      string
	UserID        string
	Method        string
	Path          string
	Route         string
	Status        int
	Outcome       Outcome
	Gate          string // gate that terminated the request, empty when dispatched
	Reason        string
	Trail         []string
	Latency       time.Duration
	Upstream      string
	Attempts      int
	BytesIn       int64
	BytesOut      int64
	Cache         string
	Agent         string
	Admin         bool
	Stream        string // route log stream
	Err           error  // internal detail, never sent to the client
}

// Logger writes records to the partitioned log streams.
type Logger struct {
	streams *logging.Streams
}

// New creates a Logger over streams.
func New(streams *logging.Streams) *Logger {
	return &Logger{streams: streams}
}

// Streams selects the streams a record goes to. Security filter blocks go to
// the attack stream and other policy denials to the security stream, ahead of
// the route's own stream. Audited routes see every request regardless.
func Streams(rec *Record) []string {
	primary := rec.Stream
	if primary == "" {
		primary = config.StreamAccess
	}
	if rec.Outcome == OutcomePolicy {
		primary = config.StreamSecurity
		if rec.Gate == GateSecurity {
			primary = config.StreamAttack
		}
	}
	if rec.Stream == config.StreamAudit && primary != config.StreamAudit {
		return []string{primary, config.StreamAudit}
	}
	return []string{primary}
}

// Level maps an outcome to the level it is logged at.
func Level(o Outcome) zapcore.Level {
	switch o {
	case OutcomePolicy:
		return zapcore.WarnLevel
	case OutcomeUpstream, OutcomeInternal:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Log emits rec to every stream it belongs to.
func (l *Logger) Log(rec *Record) {
	fields := []zap.Field{
		zap.String("correlation_id", rec.CorrelationID),
		zap.String("client_ip", rec.ClientIP),
		zap.String("user_id", rec.UserID),
		zap.String("method", rec.Method),
		zap.String("path", rec.Path),
		zap.String("route", rec.Route),
		zap.Int("status", rec.Status),
		zap.String("outcome", string(rec.Outcome)),
		zap.Dict("decision", zap.String("gate", rec.Gate), zap.String("reason", rec.Reason)),
		zap.Strings("trail", rec.Trail),
		zap.Duration("latency", rec.Latency),
		zap.String("upstream", rec.Upstream),
		zap.Int("attempts", rec.Attempts),
		zap.Int64("bytes_in", rec.BytesIn),
		zap.Int64("bytes_out", rec.BytesOut),
		zap.String("cache", rec.Cache),
		zap.String("agent", rec.Agent),
		zap.Bool("admin", rec.Admin),
	}
	if rec.Err != nil {
		fields = append(fields, zap.Error(rec.Err))
	}

	lvl := Level(rec.Outcome)
	for _, name := range Streams(rec) {
		if ce := l.streams.Get(name).Check(lvl, "request"); ce != nil {
			ce.Write(fields...)
		}
	}
}
