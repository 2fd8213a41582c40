package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <digest>",
	Short: "Print a blob",
	Long:  "Load a blob, fetching it from the remote when needed, and write it to stdout or a file.",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func init() {
	getCmd.Flags().StringP("output", "o", "", "write to file instead of stdout")
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) (err error) {
	d, err := parseDigest(args[0])
	if err != nil {
		return err
	}
	output, _ := cmd.Flags().GetString("output")

	sess, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	data, err := sess.store.Load(cmd.Context(), d)
	if err != nil {
		return err
	}
	if output != "" {
		return os.WriteFile(output, data, 0o644)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
