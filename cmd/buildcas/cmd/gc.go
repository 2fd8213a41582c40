package cmd

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Evict unleased content",
	Long:  "Evict the least recently used unleased content until the store is at its low water mark.",
	Args:  cobra.NoArgs,
	RunE:  runGC,
}

func init() {
	gcCmd.Flags().Bool("verify", false, "re-hash every blob first and drop corrupt ones")
	rootCmd.AddCommand(gcCmd)
}

func runGC(cmd *cobra.Command, _ []string) (err error) {
	verify, _ := cmd.Flags().GetBool("verify")

	sess, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ctx := cmd.Context()
	if verify {
		corrupt, err := sess.store.Verify(ctx)
		if err != nil {
			return err
		}
		for _, d := range corrupt {
			fmt.Fprintf(cmd.OutOrStdout(), "removed corrupt %s\n", d)
		}
	}

	st, err := sess.store.Collect(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, evicted %d (%s) in %s, %s left\n",
		st.Scanned, st.Evicted, humanize.IBytes(uint64(st.FreedBytes)), st.Duration.Round(time.Millisecond), humanize.IBytes(uint64(st.SizeAfter)))
	return nil
}
