package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/buildcas"
)

var pushCmd = &cobra.Command{
	Use:   "push <digest>...",
	Short: "Upload to the remote",
	Long:  "Upload blobs, or whole trees with --tree, skipping content the remote already holds.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPush,
}

func init() {
	pushCmd.Flags().Bool("tree", false, "treat digests as tree roots")
	rootCmd.AddCommand(pushCmd)
}

func runPush(cmd *cobra.Command, args []string) (err error) {
	tree, _ := cmd.Flags().GetBool("tree")
	digests := make([]buildcas.Digest, 0, len(args))
	for _, a := range args {
		d, err := parseDigest(a)
		if err != nil {
			return err
		}
		digests = append(digests, d)
	}

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
		for _, d := range digests {
			if err := sess.store.UploadTree(ctx, d); err != nil {
				return fmt.Errorf("push failed: %w", err)
			}
		}
	} else if err := sess.store.Upload(ctx, digests...); err != nil {
		return fmt.Errorf("push failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Pushed %d digest(s)\n", len(digests))
	return nil
}
