package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/resource-engine/allocation"
	"github.com/warp/resource-engine/api"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Recompute cached stock from the ledger and report shortages",
	Long: `Runs one audit pass over every consumable resource: the cached stock is
rewritten from the ledger sum and the ledger is replayed to find points in
history where the balance went negative. The run is recorded like a
scheduled one. Exits non-zero when the pass fails.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		_, log, st, cleanup, err := setup(ctx)
		if err != nil {
			return err
		}
		defer cleanup()
		svc := allocation.NewService(st, allocation.WithLogger(log))

		run, report := api.RunAudit(ctx, svc, st, log)
		if run.Error != "" {
			return fmt.Errorf("audit run %s failed: %s", run.ID, run.Error)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "run %s: %d resources, %d drifted, %d shortages\n", run.ID, run.Resources, run.Drifted, run.Shortages)
		for _, r := range report.Drifted() {
			fmt.Fprintf(out, "  drift   %-24s cached=%d ledger=%d\n", r.ResourceID, r.Cached, r.Ledger)
		}
		for _, s := range report.Shortages {
			fmt.Fprintf(out, "  short   %-24s at=%s balance=%d tx=%s\n", s.ResourceID, s.At.Format(time.RFC3339), s.Balance, s.TransactionID)
		}
		return nil
	},
}
