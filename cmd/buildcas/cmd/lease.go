package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var leaseCmd = &cobra.Command{
	Use:   "lease <digest>",
	Short: "Protect content from eviction",
	Long: `Record a lease on digest so garbage collection keeps it. Without --ttl the
lease lasts until dropped with --drop.`,
	Args: cobra.ExactArgs(1),
	RunE: runLease,
}

func init() {
	leaseCmd.Flags().Duration("ttl", 0, "lease duration (default: until dropped)")
	leaseCmd.Flags().Bool("drop", false, "drop the lease instead")
	rootCmd.AddCommand(leaseCmd)
}

func runLease(cmd *cobra.Command, args []string) (err error) {
	d, err := parseDigest(args[0])
	if err != nil {
		return err
	}
	ttl, _ := cmd.Flags().GetDuration("ttl")
	drop, _ := cmd.Flags().GetBool("drop")

	sess, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if drop {
		if err := sess.store.DropLease(cmd.Context(), d); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Dropped lease on %s\n", d)
		return nil
	}

	// The lease is persisted; the handle is intentionally not released.
	l, err := sess.store.AcquireLease(cmd.Context(), d, ttl)
	if err != nil {
		return err
	}
	if until := l.Until(); until.IsZero() {
		fmt.Fprintf(os.Stderr, "Leased %s until dropped\n", d)
	} else {
		fmt.Fprintf(os.Stderr, "Leased %s until %s\n", d, until.Format("2006-01-02 15:04:05"))
	}
	return nil
}
