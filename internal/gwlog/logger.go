// Package gwlog provides the gateway's structured logger: a thin wrapper
// around zap configured for either a human-readable development console or
// JSON production output, plus request/study correlation-ID propagation via
// context.
package gwlog

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlation-id"
	studyUIDKey      contextKey = "study-uid"
)

// New creates a SugaredLogger configured for the given environment. If env is
// empty it reads GATEWAY_ENV, defaulting to production.
func New(env string) (*zap.SugaredLogger, error) {
	if env == "" {
		env = os.Getenv("GATEWAY_ENV")
	}

	var config zap.Config
	switch env {
	case "development", "dev":
		config = zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}
	default:
		config = zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}
		config.EncoderConfig.CallerKey = "caller"
		config.EncoderConfig.LevelKey = "level"
		config.EncoderConfig.MessageKey = "message"
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Sugar(), nil
}

// WithCorrelationID attaches a correlation ID, propagated across a study's
// receive→route→deliver→archive lifecycle.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID extracts the correlation ID set by WithCorrelationID, or "".
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// WithStudyUID attaches the study under processing to the context.
func WithStudyUID(ctx context.Context, studyUID string) context.Context {
	return context.WithValue(ctx, studyUIDKey, studyUID)
}

// StudyUID extracts the study UID set by WithStudyUID, or "".
func StudyUID(ctx context.Context) string {
	if id, ok := ctx.Value(studyUIDKey).(string); ok {
		return id
	}
	return ""
}

// FromContext returns logger annotated with whatever correlation/study IDs
// are present in ctx, falling back to logger unchanged if none are set.
func FromContext(ctx context.Context, logger *zap.SugaredLogger) *zap.SugaredLogger {
	fields := make([]interface{}, 0, 4)
	if id := CorrelationID(ctx); id != "" {
		fields = append(fields, "correlation_id", id)
	}
	if uid := StudyUID(ctx); uid != "" {
		fields = append(fields, "study_uid", uid)
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// LogDelivery logs the outcome of one destination delivery attempt.
func LogDelivery(logger *zap.SugaredLogger, destination, studyUID string, durationMS int64, err error) {
	if err != nil {
		logger.Errorw("delivery failed",
			"destination", destination,
			"study_uid", studyUID,
			"duration_ms", durationMS,
			"error", err,
		)
		return
	}
	logger.Infow("delivery succeeded",
		"destination", destination,
		"study_uid", studyUID,
		"duration_ms", durationMS,
	)
}

// LogReceive logs completion of an incoming study's quiet-period window.
func LogReceive(logger *zap.SugaredLogger, studyUID string, instanceCount int) {
	logger.Infow("study complete",
		"study_uid", studyUID,
		"instance_count", instanceCount,
	)
}
