// Package oplog forwards credits operation callbacks to zap.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"go.uber.org/zap"
)

// ZapLogger implements credits.OperationLogger.
type ZapLogger struct {
	logger *zap.Logger
}

// New returns a ZapLogger; a nil logger discards everything.
func New(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger.Named("credits")}
}

func (zapLogger *ZapLogger) LogOperation(ctx context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("status", entry.Status),
	}
	if entry.TransactionType != "" {
		fields = append(fields, zap.String("type", entry.TransactionType.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount))
	}
	if key := entry.IdempotencyKey.String(); key != "" {
		fields = append(fields, zap.String("idempotency_key", key))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		zapLogger.logger.Warn("credits operation failed", fields...)
		return
	}
	zapLogger.logger.Info("credits operation", fields...)
}
