// Package logging builds the daemon's zap logger and bridges domain operation logs into it.
package logging

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a JSON production logger, or a colored development logger for any other environment.
func NewLogger(environment string) (*zap.Logger, error) {
	var config zap.Config
	if environment == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	config.OutputPaths = []string{"stdout"}
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// ZapOperationLogger writes ledger operation logs as structured zap entries.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps logger; a nil logger discards entries.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation logs successes at debug, invariant violations at error and other failures at warn.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("subject", entry.Subject),
		zap.String("entity_id", entry.EntityID),
		zap.String("status", entry.Status),
	}
	if entry.ActorID != "" {
		fields = append(fields, zap.String("actor_id", entry.ActorID))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.Reference != "" {
		fields = append(fields, zap.String("reference", entry.Reference))
	}
	if entry.Error == nil {
		operationLogger.logger.Debug("ledger operation", fields...)
		return
	}
	kind := ledger.KindOf(entry.Error)
	fields = append(fields, zap.String("error_kind", kind.String()), zap.Error(entry.Error))
	if errors.Is(entry.Error, ledger.ErrInvariantViolation) {
		operationLogger.logger.Error("ledger invariant violated", fields...)
		return
	}
	operationLogger.logger.Warn("ledger operation failed", fields...)
}
