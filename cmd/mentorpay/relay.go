package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/malwarebo/mentorpay/services"
	"github.com/malwarebo/mentorpay/stores"
	"github.com/malwarebo/mentorpay/utils"
)

type relayOptions struct {
	interval  time.Duration
	olderThan time.Duration
	batch     int
	retention time.Duration
	stale     time.Duration
	once      bool
}

func relayCmd() *cobra.Command {
	opts := &relayOptions{}
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Re-dispatch captured payments that never reached the dispatcher",
		Long: `Relay sweeps for payments that were recorded as SUCCEEDED but whose
dispatch was never acknowledged, and dispatches them again. With the outbox
driver it also requeues rows stuck in processing and prunes completed rows.

Examples:
  mentorpay relay --once
  mentorpay relay --interval 1m --older-than 5m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.interval, "interval", time.Minute, "time between sweeps")
	cmd.Flags().DurationVar(&opts.olderThan, "older-than", 5*time.Minute, "only re-dispatch payments recorded at least this long ago")
	cmd.Flags().IntVar(&opts.batch, "batch", 100, "maximum payments per sweep")
	cmd.Flags().DurationVar(&opts.retention, "retention", 30*24*time.Hour, "prune completed outbox rows older than this")
	cmd.Flags().DurationVar(&opts.stale, "stale-after", 10*time.Minute, "requeue outbox rows processing for longer than this")
	cmd.Flags().BoolVar(&opts.once, "once", false, "run a single sweep and exit")

	return cmd
}

func runRelay(cmd *cobra.Command, opts *relayOptions) error {
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

	dispatcher, _, err := a.dispatcher()
	if err != nil {
		return fmt.Errorf("failed to connect dispatcher: %w", err)
	}
	payments := a.paymentWebhookService(dispatcher)

	var events *stores.DispatchStore
	if cfg.Dispatch.Driver == "outbox" {
		events = a.events
	}

	if opts.once {
		return sweep(ctx, payments, events, opts)
	}

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	for {
		if err := sweep(ctx, payments, events, opts); err != nil {
			utils.LogError(ctx, err, "relay sweep failed", nil)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func sweep(ctx context.Context, payments *services.PaymentWebhookService, events *stores.DispatchStore, opts *relayOptions) error {
	sent, err := payments.RedispatchPending(ctx, opts.olderThan, opts.batch)
	if err != nil {
		return err
	}

	fields := map[string]interface{}{"redispatched": sent}

	if events != nil {
		requeued, err := events.RequeueStale(ctx, opts.stale)
		if err != nil {
			return fmt.Errorf("failed to requeue stale outbox rows: %w", err)
		}
		pruned, err := events.CleanupOld(ctx, opts.retention)
		if err != nil {
			return fmt.Errorf("failed to prune outbox rows: %w", err)
		}
		fields["requeued"] = requeued
		fields["pruned"] = pruned
	}

	utils.Info(ctx, "relay sweep completed", fields)
	return nil
}
