package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show local store usage",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().Bool("shards", false, "show per-shard sizes")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, _ []string) (err error) {
	shards, _ := cmd.Flags().GetBool("shards")

	sess, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	st := sess.store.Stats()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "root\t%s\n", st.Root)
	fmt.Fprintf(w, "size\t%s\n", humanize.IBytes(uint64(st.Size)))
	fmt.Fprintf(w, "blobs\t%s\n", humanize.Comma(st.Count))
	if st.HighWater > 0 {
		fmt.Fprintf(w, "high water\t%s\n", humanize.IBytes(uint64(st.HighWater)))
		fmt.Fprintf(w, "low water\t%s\n", humanize.IBytes(uint64(st.LowWater)))
	} else {
		fmt.Fprintf(w, "eviction\tdisabled\n")
	}
	fmt.Fprintf(w, "remote\t%t\n", st.Remote)
	if shards {
		for i, size := range st.ShardSizes {
			fmt.Fprintf(w, "shard %03d\t%s\n", i, humanize.IBytes(uint64(size)))
		}
	}
	return w.Flush()
}
