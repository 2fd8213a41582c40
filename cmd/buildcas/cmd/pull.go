package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var pullCmd = &cobra.Command{
	Use:   "pull <digest>",
	Short: "Fetch from the remote",
	Long:  "Make a blob, or a whole tree with --tree, available in the local store.",
	Args:  cobra.ExactArgs(1),
	RunE:  runPull,
}

func init() {
	pullCmd.Flags().Bool("tree", false, "fetch the tree rooted at digest")
	rootCmd.AddCommand(pullCmd)
}

func runPull(cmd *cobra.Command, args []string) (err error) {
	d, err := parseDigest(args[0])
	if err != nil {
		return err
	}
	tree, _ := cmd.Flags().GetBool("tree")

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
	if tree {
		t, err := sess.store.LoadTree(ctx, d)
		if err != nil {
			return fmt.Errorf("pull failed: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Pulled tree %s (%d files)\n", d, len(t.Files()))
		return nil
	}
	if err := sess.store.EnsureLocal(ctx, d); err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Pulled %s\n", d)
	return nil
}
