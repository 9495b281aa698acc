package main

import (
	"context"
	"fmt"
	"net"

	"github.com/MarkoPoloResearchLab/credits/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/credits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/credits/internal/scheduler"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

func runServe(ctx context.Context, app *application) error {
	if err := app.cfg.RequireSession(); err != nil {
		return err
	}
	server, err := httpapi.NewServer(app.cfg, httpapi.Dependencies{
		Ledger:      app.ledger,
		Billing:     app.billing,
		Distributor: app.distributor,
		Chat:        app.chat,
		Logger:      app.logger,
	})
	if err != nil {
		return err
	}

	var cronScheduler *scheduler.Scheduler
	if app.cfg.SweepSchedule != "" {
		cronScheduler = scheduler.New(app.logger)
		err := cronScheduler.Add("distribute-credits", app.cfg.SweepSchedule, func(ctx context.Context) error {
			report, err := app.distributor.Run(ctx)
			if err != nil {
				return err
			}
			app.logger.Info("scheduled distribution finished",
				zap.Int("processed_users", report.ProcessedUsers),
				zap.Int("error_count", report.ErrorCount),
				zap.Int("granted_users", report.GrantedUsers),
			)
			return nil
		})
		if err != nil {
			return err
		}
	}

	var grpcListener net.Listener
	if app.cfg.GRPCListenAddr != "" {
		grpcListener, err = net.Listen("tcp", app.cfg.GRPCListenAddr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Run(groupCtx)
	})

	if grpcListener != nil {
		grpcServer := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.UnaryLogger(app.logger)))
		grpcserver.Register(grpcServer, grpcserver.NewCreditServiceServer(app.ledger))
		group.Go(func() error {
			return serveGRPC(groupCtx, app.logger, grpcServer, grpcListener)
		})
	}

	if cronScheduler != nil {
		group.Go(func() error {
			return cronScheduler.Run(groupCtx)
		})
	}

	return group.Wait()
}

func serveGRPC(ctx context.Context, logger *zap.Logger, grpcServer *grpc.Server, listener net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && serveErr != grpc.ErrServerStopped {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if serveErr == grpc.ErrServerStopped {
			return nil
		}
		return serveErr
	}
}
