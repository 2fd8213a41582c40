package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var materializeCmd = &cobra.Command{
	Use:   "materialize <digest> <dir>",
	Short: "Write a tree to a directory",
	Long:  "Write the tree rooted at digest into dir, which must not exist.",
	Args:  cobra.ExactArgs(2),
	RunE:  runMaterialize,
}

func init() {
	rootCmd.AddCommand(materializeCmd)
}

func runMaterialize(cmd *cobra.Command, args []string) (err error) {
	d, err := parseDigest(args[0])
	if err != nil {
		return err
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

	if err := sess.store.Materialize(cmd.Context(), d, args[1]); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Materialized %s into %s\n", d, args[1])
	return nil
}
