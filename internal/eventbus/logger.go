package eventbus

import (
	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
)

// ZapLoggerAdapter routes watermill's logging into zap.
type ZapLoggerAdapter struct {
	logger *zap.Logger
}

// NewZapLoggerAdapter wraps logger; a nil logger discards output.
func NewZapLoggerAdapter(logger *zap.Logger) *ZapLoggerAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLoggerAdapter{logger: logger.Named("watermill")}
}

func (adapter *ZapLoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	adapter.logger.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (adapter *ZapLoggerAdapter) Info(msg string, fields watermill.LogFields) {
	adapter.logger.Info(msg, zapFields(fields)...)
}

func (adapter *ZapLoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	adapter.logger.Debug(msg, zapFields(fields)...)
}

// Trace is folded into debug; zap has no lower level.
func (adapter *ZapLoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	adapter.logger.Debug(msg, zapFields(fields)...)
}

func (adapter *ZapLoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &ZapLoggerAdapter{logger: adapter.logger.With(zapFields(fields)...)}
}

func zapFields(fields watermill.LogFields) []zap.Field {
	converted := make([]zap.Field, 0, len(fields))
	for key, value := range fields {
		converted = append(converted, zap.Any(key, value))
	}
	return converted
}
