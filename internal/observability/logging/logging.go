package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config selects the handler. Level accepts debug, info, warn (or warning)
// and error; Format accepts json and text. New falls back to info and json
// for unknown values. ParseLevel and ParseFormat report them instead.
type Config struct {
	Level  string
	Writer io.Writer
	Format string
}

type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Init creates a slog.Logger using the provided configuration and installs it
// as the process-wide default logger.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New creates a structured slog.Logger using the provided configuration.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	format, err := ParseFormat(cfg.Format)
	if err != nil {
		format = FormatJSON
	}

	options := &slog.HandlerOptions{Level: level}
	if format == FormatText {
		return slog.New(slog.NewTextHandler(writer, options))
	}
	return slog.New(slog.NewJSONHandler(writer, options))
}

// ParseLevel maps a configured level name to a slog.Level. Empty means info.
func ParseLevel(value string) (slog.Level, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		value = "warn"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
	return level, nil
}

// ParseFormat validates a configured handler format. Empty means json.
func ParseFormat(value string) (Format, error) {
	switch format := Format(strings.ToLower(strings.TrimSpace(value))); format {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatText:
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown log format %q", value)
	}
}

// WithComponent returns a logger annotated with the provided component field.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	tenantIDKey  contextKey = "tenant_id"
	assetIDKey   contextKey = "asset_id"
	loggerKey    contextKey = "logger"
)

func withTrimmedValue(ctx context.Context, key contextKey, value string) context.Context {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ctx
	}
	return context.WithValue(ctx, key, trimmed)
}

func stringFromContext(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(key).(string)
	return value, ok && value != ""
}

// ContextWithRequestID adds the provided request ID to the context when it is non-empty.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withTrimmedValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the request ID previously stored on the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	return stringFromContext(ctx, requestIDKey)
}

// ContextWithTenantID adds the tenant that owns the current request or pipeline.
func ContextWithTenantID(ctx context.Context, id string) context.Context {
	return withTrimmedValue(ctx, tenantIDKey, id)
}

func TenantIDFromContext(ctx context.Context) (string, bool) {
	return stringFromContext(ctx, tenantIDKey)
}

// ContextWithAssetID adds the asset being processed or served.
func ContextWithAssetID(ctx context.Context, id string) context.Context {
	return withTrimmedValue(ctx, assetIDKey, id)
}

func AssetIDFromContext(ctx context.Context) (string, bool) {
	return stringFromContext(ctx, assetIDKey)
}

// ContextWithLogger attaches a logger to the context when available.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves a logger previously stored on the context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// WithContext returns a logger annotated with the request, tenant and asset
// IDs held in the context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	if requestID, ok := RequestIDFromContext(ctx); ok {
		logger = logger.With("request_id", requestID)
	}
	if tenantID, ok := TenantIDFromContext(ctx); ok {
		logger = logger.With("tenant_id", tenantID)
	}
	if assetID, ok := AssetIDFromContext(ctx); ok {
		logger = logger.With("asset_id", assetID)
	}
	return logger
}
