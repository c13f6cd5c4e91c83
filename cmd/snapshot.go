package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/tariff-cli/internal/snapshot"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Export, import and verify rule snapshots",
	Long:  "A snapshot is a SQLite file holding the registry, rule and ledger tables with a checksummed manifest.",
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export <path>",
	Short: "Write the database's rule tables to a snapshot file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := requirePool(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		m, err := snapshot.Export(ctx, env.Pool, args[0])
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, m)
	},
}

var snapshotImportCmd = &cobra.Command{
	Use:   "import <path>",
	Short: "Load a snapshot file into an empty database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := requirePool(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		m, err := snapshot.Import(ctx, env.Pool, args[0])
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, m)
	},
}

var snapshotVerifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Check a snapshot file against its manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := snapshot.Verify(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, m)
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotExportCmd, snapshotImportCmd, snapshotVerifyCmd)
	rootCmd.AddCommand(snapshotCmd)
}
