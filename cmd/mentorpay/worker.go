package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/malwarebo/mentorpay/utils"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume payment events and reconcile them into bookings",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	a, err := bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	_, consumer, err := a.dispatcher()
	if err != nil {
		return fmt.Errorf("failed to connect dispatcher: %w", err)
	}

	worker := a.reconciliationWorker(a.tokenManager())

	utils.Info(ctx, "reconciliation worker started", map[string]interface{}{
		"driver": cfg.Dispatch.Driver,
		"queue":  cfg.Dispatch.Queue,
	})

	err = consumer.Consume(ctx, worker.Handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("consumer stopped: %w", err)
	}

	utils.Info(context.Background(), "reconciliation worker stopped")
	return nil
}
