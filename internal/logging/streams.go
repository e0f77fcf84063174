package logging

import (
	"fmt"
	"io"
	"os"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// StreamOptions configures a single named log stream.
type StreamOptions struct {
	Output     string // stdout, stderr or a file path
	Level      string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
	LocalTime  bool
}

// Streams holds one logger per concern (access, security, attack, auth, audit).
// Each stream is a separate zap core so that partitions can be shipped and
// retained independently.
type Streams struct {
	loggers  map[string]*zap.Logger
	closers  []io.Closer
	fallback string
}

// NewStreams builds loggers for each named stream. File outputs are rotated
// with lumberjack. Lookups of unknown names resolve to fallback.
func NewStreams(opts map[string]StreamOptions, fallback string) (*Streams, error) {
	s := &Streams{
		loggers:  make(map[string]*zap.Logger, len(opts)),
		fallback: fallback,
	}

	for name, o := range opts {
		ws, closer, err := streamWriter(o)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("log stream %s: %w", name, err)
		}
		if closer != nil {
			s.closers = append(s.closers, closer)
		}
		core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), ws, ParseLevel(o.Level))
		s.loggers[name] = zap.New(core).With(zap.String("stream", name))
	}

	return s, nil
}

// NewStreamsFromLoggers wraps existing loggers, mainly for tests.
func NewStreamsFromLoggers(loggers map[string]*zap.Logger, fallback string) *Streams {
	return &Streams{loggers: loggers, fallback: fallback}
}

func streamWriter(o StreamOptions) (zapcore.WriteSyncer, io.Closer, error) {
	switch o.Output {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil, nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil, nil
	}

	maxSize := o.MaxSize
	if maxSize <= 0 {
		maxSize = 100
	}
	maxBackups := o.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}
	maxAge := o.MaxAge
	if maxAge <= 0 {
		maxAge = 28
	}

	lj := &lumberjack.Logger{
		Filename:   o.Output,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   o.Compress,
		LocalTime:  o.LocalTime,
	}
	return zapcore.AddSync(lj), lj, nil
}

// Get returns the logger for a stream, falling back to the default stream and
// finally to the global logger.
func (s *Streams) Get(name string) *zap.Logger {
	if l, ok := s.loggers[name]; ok {
		return l
	}
	if l, ok := s.loggers[s.fallback]; ok {
		return l
	}
	return Global()
}

// Names returns the configured stream names in sorted order.
func (s *Streams) Names() []string {
	names := make([]string, 0, len(s.loggers))
	for name := range s.loggers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sync flushes every stream.
func (s *Streams) Sync() {
	for _, l := range s.loggers {
		l.Sync()
	}
}

// Close flushes every stream and closes rotated files.
func (s *Streams) Close() error {
	s.Sync()
	var firstErr error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
