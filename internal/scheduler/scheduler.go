// Package scheduler closes Sambaza groups at their expiry through delayed asynq tasks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/sambaza"
	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	TypeCloseGroup = "sambaza:close"

	queueDefault       = "default"
	closeTaskRetries   = 5
	defaultConcurrency = 10
)

type closeGroupPayload struct {
	GroupID string `json:"group_id"`
}

// Enqueuer is the part of asynq.Client used for scheduling.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Scheduler implements sambaza.ExpiryScheduler.
type Scheduler struct {
	enqueuer Enqueuer
}

// New wraps enqueuer, usually an *asynq.Client.
func New(enqueuer Enqueuer) (*Scheduler, error) {
	if enqueuer == nil {
		return nil, fmt.Errorf("%w: enqueuer is nil", ledger.ErrInvalidServiceConfig)
	}
	return &Scheduler{enqueuer: enqueuer}, nil
}

// NewClient opens an asynq client against redis.
func NewClient(addr string, password string, db int) *asynq.Client {
	return asynq.NewClient(RedisOption(addr, password, db))
}

// RedisOption builds the asynq redis connection settings.
func RedisOption(addr string, password string, db int) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: addr, Password: password, DB: db}
}

// ScheduleClose enqueues one close task per group to run at at. Rescheduling an
// already scheduled group is a no-op.
func (scheduler *Scheduler) ScheduleClose(ctx context.Context, groupID sambaza.GroupID, at time.Time) error {
	payload, err := json.Marshal(closeGroupPayload{GroupID: groupID.String()})
	if err != nil {
		return fmt.Errorf("encode close task: %w", err)
	}
	task := asynq.NewTask(TypeCloseGroup, payload)
	_, err = scheduler.enqueuer.EnqueueContext(ctx, task,
		asynq.ProcessAt(at),
		asynq.TaskID(closeTaskID(groupID)),
		asynq.MaxRetry(closeTaskRetries),
		asynq.Queue(queueDefault),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: enqueue close of %s: %v", ledger.ErrTransientDependency, groupID, err)
	}
	return nil
}

func closeTaskID(groupID sambaza.GroupID) string {
	return "sambaza-close:" + groupID.String()
}

// GroupCloser closes a group; sambaza.Service satisfies it.
type GroupCloser interface {
	Close(ctx context.Context, groupID sambaza.GroupID) (sambaza.Group, error)
}

// CloseGroupHandler processes sambaza:close tasks.
type CloseGroupHandler struct {
	closer GroupCloser
	logger *zap.Logger
}

// NewCloseGroupHandler wires the handler.
func NewCloseGroupHandler(closer GroupCloser, logger *zap.Logger) (*CloseGroupHandler, error) {
	if closer == nil {
		return nil, fmt.Errorf("%w: group closer is nil", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CloseGroupHandler{closer: closer, logger: logger}, nil
}

// ProcessTask closes the group named in the payload. Bad payloads and unknown groups are not retried.
func (handler *CloseGroupHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload closeGroupPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode close task: %v: %w", err, asynq.SkipRetry)
	}
	groupID, err := sambaza.NewGroupID(payload.GroupID)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	group, err := handler.closer.Close(ctx, groupID)
	if err != nil {
		if ledger.KindOf(err) == ledger.KindNotFound {
			handler.logger.Warn("close task for unknown group", zap.String("group_id", groupID.String()))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	handler.logger.Info("sambaza group closed at expiry",
		zap.String("group_id", group.ID.String()),
		zap.Int("participant_count", group.ParticipantCount),
		zap.String("discount_tier", group.DiscountTier.String()),
	)
	return nil
}

// Worker runs the asynq server that executes close tasks.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorker builds a worker over redis with handler registered for TypeCloseGroup.
func NewWorker(redis asynq.RedisClientOpt, handler *CloseGroupHandler, logger *zap.Logger) (*Worker, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: close handler is nil", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	server := asynq.NewServer(redis, asynq.Config{
		Concurrency: defaultConcurrency,
		Queues:      map[string]int{queueDefault: 10},
		Logger:      logger.Named("asynq").Sugar(),
	})
	mux := asynq.NewServeMux()
	mux.Handle(TypeCloseGroup, handler)
	return &Worker{server: server, mux: mux}, nil
}

// Start begins processing in background goroutines.
func (worker *Worker) Start() error {
	return worker.server.Start(worker.mux)
}

// Shutdown waits for in-flight tasks and stops the worker.
func (worker *Worker) Shutdown() {
	worker.server.Shutdown()
}
