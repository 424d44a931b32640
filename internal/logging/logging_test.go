package logging

import (
	"context"
	"fmt"
	"testing"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(test *testing.T) (*ZapOperationLogger, *observer.ObservedLogs) {
	test.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	return NewZapOperationLogger(zap.New(core)), logs
}

func TestLogOperationLevels(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		entry   ledger.OperationLog
		level   zapcore.Level
		message string
	}{
		{
			name:    "success",
			entry:   ledger.OperationLog{Operation: "record_payment", Subject: "booking", EntityID: "booking-1", Amount: 70000, Reference: "ref-1", Status: ledger.OperationStatusOK},
			level:   zapcore.DebugLevel,
			message: "ledger operation",
		},
		{
			name:    "conflict",
			entry:   ledger.OperationLog{Operation: "cancel", Subject: "booking", EntityID: "booking-1", Status: ledger.OperationStatusError, Error: fmt.Errorf("%w: booking is completed", ledger.ErrStateConflict)},
			level:   zapcore.WarnLevel,
			message: "ledger operation failed",
		},
		{
			name:    "invariant",
			entry:   ledger.OperationLog{Operation: "record_payment", Subject: "booking", EntityID: "booking-1", Status: ledger.OperationStatusError, Error: fmt.Errorf("%w: paid exceeds price", ledger.ErrInvariantViolation)},
			level:   zapcore.ErrorLevel,
			message: "ledger invariant violated",
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			operationLogger, logs := newObservedLogger(test)
			operationLogger.LogOperation(context.Background(), testCase.entry)
			entries := logs.All()
			if len(entries) != 1 {
				test.Fatalf("expected one entry, got %d", len(entries))
			}
			if entries[0].Level != testCase.level || entries[0].Message != testCase.message {
				test.Fatalf("unexpected entry %s %q", entries[0].Level, entries[0].Message)
			}
			fields := entries[0].ContextMap()
			if fields["operation"] != testCase.entry.Operation || fields["entity_id"] != "booking-1" {
				test.Fatalf("unexpected fields %v", fields)
			}
		})
	}
}

func TestLogOperationFields(test *testing.T) {
	test.Parallel()
	operationLogger, logs := newObservedLogger(test)
	operationLogger.LogOperation(context.Background(), ledger.OperationLog{
		Operation: "record_payment",
		Subject:   "booking",
		EntityID:  "booking-1",
		ActorID:   "consumer-1",
		Amount:    70000,
		Reference: "ref-1",
		Status:    ledger.OperationStatusError,
		Error:     fmt.Errorf("%w: gateway down", ledger.ErrTransientDependency),
	})
	fields := logs.All()[0].ContextMap()
	if fields["amount"] != int64(70000) || fields["actor_id"] != "consumer-1" || fields["reference"] != "ref-1" {
		test.Fatalf("unexpected fields %v", fields)
	}
	if fields["error_kind"] != "transient_dependency" {
		test.Fatalf("expected error kind, got %v", fields["error_kind"])
	}
}

func TestNilLoggerDiscards(test *testing.T) {
	test.Parallel()
	NewZapOperationLogger(nil).LogOperation(context.Background(), ledger.OperationLog{Operation: "noop"})
}

func TestNewLoggerEnvironments(test *testing.T) {
	test.Parallel()
	for _, environment := range []string{"production", "development"} {
		logger, err := NewLogger(environment)
		if err != nil {
			test.Fatalf("%s: %v", environment, err)
		}
		if logger.Core().Enabled(zapcore.DebugLevel) != (environment == "development") {
			test.Fatalf("%s: unexpected debug enablement", environment)
		}
	}
}
