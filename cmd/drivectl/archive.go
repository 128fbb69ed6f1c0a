package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jun/docbrowser/internal/archive"
)

type archiveFlags struct {
	name      string
	output    string
	publishTo string
}

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Build zip archives from Drive content",
	}
	cmd.AddCommand(newArchiveFilesCmd())
	cmd.AddCommand(newArchiveFolderCmd())
	return cmd
}

func (f *archiveFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "archive name")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "write the archive to this path (defaults to the archive name)")
	cmd.Flags().StringVar(&f.publishTo, "publish-to", "", "upload to this folder and share publicly instead of writing locally")
}

func newArchiveFilesCmd() *cobra.Command {
	var flags archiveFlags
	cmd := &cobra.Command{
		Use:   "files <file-id>...",
		Short: "Archive a list of files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := application.Archives().BuildFromFiles(cmd.Context(), args, flags.name)
			if err != nil {
				return err
			}
			return deliver(cmd, res, flags)
		},
	}
	flags.bind(cmd)
	return cmd
}

func newArchiveFolderCmd() *cobra.Command {
	var flags archiveFlags
	cmd := &cobra.Command{
		Use:   "folder <folder-id>",
		Short: "Archive a folder recursively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := application.Archives().BuildFromFolder(cmd.Context(), args[0], flags.name)
			if err != nil {
				return err
			}
			return deliver(cmd, res, flags)
		},
	}
	flags.bind(cmd)
	return cmd
}

func deliver(cmd *cobra.Command, res *archive.Result, flags archiveFlags) error {
	out := cmd.OutOrStdout()
	for _, item := range res.Items {
		if item.Reason != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s: %s\n", item.FileID, item.Reason)
		}
	}
	fmt.Fprintf(out, "%s: %d succeeded, %d failed, %d bytes\n", res.Name, res.Succeeded(), res.Failed(), len(res.Data))

	if flags.publishTo != "" {
		pub, err := application.Archives().Publish(cmd.Context(), res.Data, res.Name, flags.publishTo)
		var grantErr *archive.PermissionGrantError
		if errors.As(err, &grantErr) && pub != nil {
			fmt.Fprintf(out, "uploaded %s but not shared: %v\n", pub.File.ID, grantErr.Err)
			return nil
		}
		if err != nil {
			return err
		}
		return printJSON(out, pub.File)
	}

	path := flags.output
	if path == "" {
		path = res.Name
	}
	if err := os.WriteFile(path, res.Data, 0o644); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\n", path)
	return nil
}
