package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/internal/config"
	"github.com/MarkoPoloResearchLab/mtaa/internal/eventbus"
	"github.com/MarkoPoloResearchLab/mtaa/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/mtaa/internal/httpapi"
	"github.com/MarkoPoloResearchLab/mtaa/internal/lock"
	"github.com/MarkoPoloResearchLab/mtaa/internal/logging"
	"github.com/MarkoPoloResearchLab/mtaa/internal/mpesa"
	"github.com/MarkoPoloResearchLab/mtaa/internal/reputation"
	"github.com/MarkoPoloResearchLab/mtaa/internal/scheduler"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/booking"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/gateway"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/sambaza"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
)

const routerStartTimeout = 10 * time.Second

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := logging.NewLogger(cfg.Environment)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opened, err := openStores(ctx, cfg.DatabaseURL, cfg.Environment)
	if err != nil {
		return err
	}
	defer opened.close()

	locker, lockerClient, err := newLocker(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = lockerClient.Close() }()

	pubSub, err := eventbus.NewPubSub(cfg.EventBroker, cfg.AMQPURL, eventbus.NewZapLoggerAdapter(logger))
	if err != nil {
		return fmt.Errorf("event broker: %w", err)
	}
	defer func() { _ = pubSub.Close() }()
	publisher, err := eventbus.NewPublisher(pubSub.Publisher)
	if err != nil {
		return err
	}

	operationLogger := logging.NewZapOperationLogger(logger)
	paymentGateway, err := gateway.NewResilient(
		mpesa.NewClient(mpesa.WithLatency(cfg.GatewayLatency), mpesa.WithLogger(logger)),
		gateway.WithAttempts(cfg.GatewayAttempts),
		gateway.WithAttemptTimeout(cfg.GatewayTimeout),
	)
	if err != nil {
		return fmt.Errorf("payment gateway: %w", err)
	}

	clock := func() time.Time { return time.Now().UTC() }
	bookingService, err := booking.NewService(opened.bookings, clock,
		booking.WithOperationLogger(operationLogger),
		booking.WithEventPublisher(publisher),
		booking.WithLocker(locker),
		booking.WithGateway(paymentGateway),
		booking.WithOverpaymentTolerance(cfg.Tolerance()),
	)
	if err != nil {
		return fmt.Errorf("booking service init: %w", err)
	}

	groupOptions := []sambaza.ServiceOption{
		sambaza.WithOperationLogger(operationLogger),
		sambaza.WithEventPublisher(publisher),
		sambaza.WithLocker(locker),
	}
	var expiryScheduler *scheduler.Scheduler
	if cfg.Scheduler == config.SchedulerAsynq {
		client := scheduler.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer func() { _ = client.Close() }()
		expiryScheduler, err = scheduler.New(client)
		if err != nil {
			return err
		}
		groupOptions = append(groupOptions, sambaza.WithExpiryScheduler(expiryScheduler))
	}
	groupService, err := sambaza.NewService(opened.groups, clock, groupOptions...)
	if err != nil {
		return fmt.Errorf("sambaza service init: %w", err)
	}

	reputationService, err := reputation.NewService(opened.reputation, opened.bookings, clock,
		reputation.WithOperationLogger(operationLogger),
		reputation.WithEventPublisher(publisher),
		reputation.WithLocker(locker),
	)
	if err != nil {
		return fmt.Errorf("reputation service init: %w", err)
	}

	router, err := eventbus.NewRouter(eventbus.RouterConfig{
		Subscriber:    pubSub.Subscriber,
		Publisher:     pubSub.Publisher,
		Logger:        logger,
		Subscriptions: subscriptions(reputationService, eventbus.NewLogHandler(logger)),
	})
	if err != nil {
		return err
	}
	routerErr := make(chan error, 1)
	go func() { routerErr <- router.Run(ctx) }()
	if err := awaitRouter(ctx, router, routerErr); err != nil {
		return err
	}
	defer func() { _ = router.Close() }()

	if expiryScheduler != nil {
		closeHandler, err := scheduler.NewCloseGroupHandler(groupService, logger)
		if err != nil {
			return err
		}
		worker, err := scheduler.NewWorker(scheduler.RedisOption(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), closeHandler, logger)
		if err != nil {
			return err
		}
		if err := worker.Start(); err != nil {
			return fmt.Errorf("asynq worker: %w", err)
		}
		defer worker.Shutdown()
	}

	listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcErr := make(chan error, 1)
	go func() { grpcErr <- grpcserver.New(logger).Serve(ctx, listener) }()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- httpapi.Run(ctx, cfg, httpapi.Services{
			Bookings:   bookingService,
			Groups:     groupService,
			Reputation: reputationService,
		}, logger)
	}()

	// A server that exits on its own puts a nil back so the drain below does not block.
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-httpErr:
		httpErr <- nil
	case runErr = <-grpcErr:
		grpcErr <- nil
	case err := <-routerErr:
		if err != nil {
			runErr = fmt.Errorf("event router stopped: %w", err)
		}
	}
	cancel()
	if err := <-grpcErr; err != nil && runErr == nil {
		runErr = err
	}
	if err := <-httpErr; err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newLocker returns the configured locker and the connection to release on shutdown.
func newLocker(cfg config.Config, logger *zap.Logger) (ledger.Locker, io.Closer, error) {
	if cfg.LockBackend != config.LockBackendRedis {
		return ledger.NewKeyedLocker(), nopCloser{}, nil
	}
	client := lock.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	locker, err := lock.NewRedisLocker(client, lock.WithLogger(logger))
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis locker: %w", err)
	}
	return locker, client, nil
}

// subscriptions routes booking outcomes to the reputation engine and every other topic to the log.
// Each topic has exactly one handler so durable amqp queues are not shared between consumers.
func subscriptions(reputationService *reputation.Service, logHandler *eventbus.LogHandler) []eventbus.Subscription {
	return []eventbus.Subscription{
		{Name: "reputation.booking_completed", Topic: booking.TopicBookingCompleted, Handler: reputationService},
		{Name: "reputation.booking_cancelled", Topic: booking.TopicBookingCancelled, Handler: reputationService},
		{Name: "reputation.dispute_resolved", Topic: booking.TopicBookingDisputeResolved, Handler: reputationService},
		{Name: "log.booking_confirmed", Topic: booking.TopicBookingConfirmed, Handler: logHandler},
		{Name: "log.booking_disputed", Topic: booking.TopicBookingDisputed, Handler: logHandler},
		{Name: "log.review_submitted", Topic: reputation.TopicReviewSubmitted, Handler: logHandler},
		{Name: "log.sambaza_activated", Topic: sambaza.TopicGroupActivated, Handler: logHandler},
		{Name: "log.sambaza_closed", Topic: sambaza.TopicGroupClosed, Handler: logHandler},
	}
}

func awaitRouter(ctx context.Context, router *message.Router, routerErr <-chan error) error {
	timer := time.NewTimer(routerStartTimeout)
	defer timer.Stop()
	select {
	case <-router.Running():
		return nil
	case err := <-routerErr:
		return fmt.Errorf("event router: %w", err)
	case <-timer.C:
		return fmt.Errorf("event router did not start within %s", routerStartTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
