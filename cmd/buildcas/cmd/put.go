package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/buildcas"
)

var putCmd = &cobra.Command{
	Use:   "put <path>",
	Short: "Store a file or directory",
	Long:  "Store a file as a blob or a directory as a tree and print its digest.",
	Args:  cobra.ExactArgs(1),
	RunE:  runPut,
}

func init() {
	putCmd.Flags().Bool("upload", false, "also upload to the remote")
	rootCmd.AddCommand(putCmd)
}

func runPut(cmd *cobra.Command, args []string) (err error) {
	path := args[0]
	upload, _ := cmd.Flags().GetBool("upload")

	info, err := os.Stat(path)
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

	ctx := cmd.Context()
	var d buildcas.Digest
	if info.IsDir() {
		if d, err = sess.store.Capture(ctx, path); err != nil {
			return err
		}
		if upload {
			err = sess.store.UploadTree(ctx, d)
		}
	} else {
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return rerr
		}
		if d, err = sess.store.Store(ctx, data); err != nil {
			return err
		}
		if upload {
			err = sess.store.Upload(ctx, d)
		}
	}
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), d)
	return nil
}
