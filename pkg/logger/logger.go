// Package logger wraps log/slog with category-based debug tracing so a
// stream's RTSP, RTP, buffer, timestamp, segment, controller, and registry
// activity can each be switched on independently without raising the whole
// process to debug level.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// LogLevel represents the logging verbosity level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// DebugCategory represents a specific debug category for targeted tracing.
type DebugCategory string

const (
	DebugRTSP       DebugCategory = "rtsp"
	DebugRTP        DebugCategory = "rtp"
	DebugNAL        DebugCategory = "nal"
	DebugBuffer     DebugCategory = "buffer"
	DebugTimestamp  DebugCategory = "timestamp"
	DebugSegment    DebugCategory = "segment"
	DebugController DebugCategory = "controller"
	DebugRegistry   DebugCategory = "registry"
	DebugAll        DebugCategory = "all"
)

var allCategories = []DebugCategory{
	DebugRTSP, DebugRTP, DebugNAL, DebugBuffer,
	DebugTimestamp, DebugSegment, DebugController, DebugRegistry,
}

// Config holds logger configuration.
type Config struct {
	Level             LogLevel
	Format            OutputFormat
	OutputFile        string
	EnabledCategories map[DebugCategory]bool
	mu                sync.RWMutex
}

// OutputFormat determines the log output format.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger wraps slog.Logger with category-based debug tracing.
type Logger struct {
	*slog.Logger
	config *Config
	file   *os.File
}

// NewConfig creates a new logger configuration with defaults.
func NewConfig() *Config {
	return &Config{
		Level:             LevelInfo,
		Format:            FormatText,
		EnabledCategories: make(map[DebugCategory]bool),
	}
}

// ParseLevel converts a string to LogLevel.
func ParseLevel(level string) (LogLevel, error) {
	switch level {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO", "":
		return LevelInfo, nil
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

// ParseFormat converts a string to OutputFormat.
func ParseFormat(format string) (OutputFormat, error) {
	switch format {
	case "json", "JSON":
		return FormatJSON, nil
	case "text", "TEXT", "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be json or text)", format)
	}
}

// ToSlogLevel converts LogLevel to slog.Level.
func (l LogLevel) ToSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a new Logger instance with the given configuration.
func New(cfg *Config) (*Logger, error) {
	var writer io.Writer = os.Stdout
	var file *os.File

	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.OutputFile, err)
		}
		writer = f
		file = f
	}

	handlerOpts := &slog.HandlerOptions{Level: cfg.Level.ToSlogLevel()}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(writer, handlerOpts)
	default:
		handler = slog.NewTextHandler(writer, handlerOpts)
	}

	return &Logger{
		Logger: slog.New(handler),
		config: cfg,
		file:   file,
	}, nil
}

// EnableCategory enables a specific debug category.
func (c *Config) EnableCategory(category DebugCategory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if category == DebugAll {
		for _, cat := range allCategories {
			c.EnabledCategories[cat] = true
		}
		return
	}
	c.EnabledCategories[category] = true
}

// IsCategoryEnabled checks if a debug category is enabled.
func (c *Config) IsCategoryEnabled(category DebugCategory) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EnabledCategories[category]
}

// IsDebugEnabled checks if any debug category is enabled.
func (c *Config) IsDebugEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.EnabledCategories) > 0
}

// Close closes the log file if one was opened.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) category(cat DebugCategory, name, msg string, args ...any) {
	if l.config.IsCategoryEnabled(cat) {
		args = append([]any{"category", name}, args...)
		l.Debug(msg, args...)
	}
}

// DebugRTSP logs RTSP request/response tracing.
func (l *Logger) DebugRTSP(msg string, args ...any) { l.category(DebugRTSP, "rtsp", msg, args...) }

// DebugRTP logs per-packet RTP tracing.
func (l *Logger) DebugRTP(msg string, args ...any) { l.category(DebugRTP, "rtp", msg, args...) }

// DebugNAL logs NALU type/size tracing.
func (l *Logger) DebugNAL(msg string, args ...any) { l.category(DebugNAL, "nal", msg, args...) }

// DebugBuffer logs circular-buffer push/evict tracing.
func (l *Logger) DebugBuffer(msg string, args ...any) { l.category(DebugBuffer, "buffer", msg, args...) }

// DebugTimestamp logs normalizer rebase/discontinuity tracing.
func (l *Logger) DebugTimestamp(msg string, args ...any) {
	l.category(DebugTimestamp, "timestamp", msg, args...)
}

// DebugSegment logs segment open/rotate/close tracing.
func (l *Logger) DebugSegment(msg string, args ...any) {
	l.category(DebugSegment, "segment", msg, args...)
}

// DebugController logs recording-controller state transitions.
func (l *Logger) DebugController(msg string, args ...any) {
	l.category(DebugController, "controller", msg, args...)
}

// DebugRegistry logs registry activity.
func (l *Logger) DebugRegistry(msg string, args ...any) {
	l.category(DebugRegistry, "registry", msg, args...)
}

// DebugRTPPacket logs detailed RTP packet information.
func (l *Logger) DebugRTPPacket(seq uint16, timestamp uint32, payloadType uint8, payloadSize int) {
	if l.config.IsCategoryEnabled(DebugRTP) {
		l.Debug("RTP packet",
			"category", "rtp",
			"sequence", seq,
			"timestamp", timestamp,
			"payload_type", payloadType,
			"payload_size", payloadSize)
	}
}

// DebugNALUnit logs NAL unit type and size.
func (l *Logger) DebugNALUnit(naluType uint8, size int, fragmented bool) {
	if l.config.IsCategoryEnabled(DebugNAL) {
		l.Debug("NAL unit",
			"category", "nal",
			"type", naluType,
			"type_name", getNALUTypeName(naluType),
			"size", size,
			"fragmented", fragmented)
	}
}

// WithContext returns a logger carrying attributes derived from ctx.
// No attributes are currently extracted from ctx; the hook exists so
// request-scoped trace IDs can be threaded in later without changing call
// sites.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{Logger: l.Logger, config: l.config, file: l.file}
}

// With returns a new Logger with the given attributes attached.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), config: l.config, file: l.file}
}

func getNALUTypeName(naluType uint8) string {
	switch naluType {
	case 1:
		return "P-frame"
	case 5:
		return "IDR"
	case 6:
		return "SEI"
	case 7:
		return "SPS"
	case 8:
		return "PPS"
	case 9:
		return "AUD"
	case 28:
		return "FU-A"
	default:
		return fmt.Sprintf("unknown(%d)", naluType)
	}
}

// SetDefault sets the global default logger.
func SetDefault(logger *Logger) {
	defaultLogger = logger
	slog.SetDefault(logger.Logger)
}

// Default returns the default logger, creating one if necessary.
func Default() *Logger {
	once.Do(func() {
		logger, err := New(NewConfig())
		if err != nil {
			logger = &Logger{Logger: slog.Default(), config: NewConfig()}
		}
		defaultLogger = logger
	})
	return defaultLogger
}

// Debug logs at Debug level using the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }

// Info logs at Info level using the default logger.
func Info(msg string, args ...any) { Default().Info(msg, args...) }

// Warn logs at Warn level using the default logger.
func Warn(msg string, args ...any) { Default().Warn(msg, args...) }

// Error logs at Error level using the default logger.
func Error(msg string, args ...any) { Default().Error(msg, args...) }
