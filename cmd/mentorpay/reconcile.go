package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/malwarebo/mentorpay/services"
)

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Inspect and settle sagas that need an operator",
	}
	cmd.AddCommand(reconcileListCmd())
	cmd.AddCommand(reconcileResumeCmd())
	return cmd
}

func reconcileListCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sagas whose booking attempt never completed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorker(cmd.Context(), func(ctx context.Context, worker *services.ReconciliationWorker) error {
				stuck, err := worker.ListStuck(ctx, limit)
				if err != nil {
					return err
				}

				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(stuck)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PAYMENT\tINTENT\tMENTOR\tLAST STEP\tATTEMPTED AT")
				for _, s := range stuck {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.PaymentID, s.PaymentIntentID, s.MentorID, s.LastStep, s.AttemptedAt.Format("2006-01-02T15:04:05Z07:00"))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum sagas to list")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

func reconcileResumeCmd() *cobra.Command {
	var action string

	cmd := &cobra.Command{
		Use:   "resume <payment-id>",
		Short: "Resume a stuck saga by rebooking or refunding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorker(cmd.Context(), func(ctx context.Context, worker *services.ReconciliationWorker) error {
				err := worker.Resume(ctx, args[0], services.ResumeAction(action))
				switch {
				case err == nil:
					printSuccess(fmt.Sprintf("Payment %s booked", args[0]))
					return nil
				case errors.Is(err, services.ErrBookingRefunded):
					printSuccess(fmt.Sprintf("Payment %s refunded", args[0]))
					return nil
				default:
					return err
				}
			})
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "rebook or refund")
	cmd.MarkFlagRequired("action")
	return cmd
}

func withWorker(ctx context.Context, fn func(context.Context, *services.ReconciliationWorker) error) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	a, err := bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	return fn(ctx, a.reconciliationWorker(a.tokenManager()))
}
