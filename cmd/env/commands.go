// Package env implements the "env" command group: the environment
// lifecycle verbs (build, enter, exec, stop, destroy, freeze, archive,
// commit, restore, snapshots, rename, diff, inspect, list). Grounded on
// the teacher's cmd/vm package — one Actions interface, one Command
// builder attaching every subcommand to a single parent — narrowed from
// VM lifecycle verbs to environment lifecycle verbs.
package env

import "github.com/spf13/cobra"

// Actions defines environment lifecycle operations.
type Actions interface {
	Build(cmd *cobra.Command, args []string) error
	Rebuild(cmd *cobra.Command, args []string) error
	Enter(cmd *cobra.Command, args []string) error
	Exec(cmd *cobra.Command, args []string) error
	Stop(cmd *cobra.Command, args []string) error
	Destroy(cmd *cobra.Command, args []string) error
	Freeze(cmd *cobra.Command, args []string) error
	Archive(cmd *cobra.Command, args []string) error
	Commit(cmd *cobra.Command, args []string) error
	Restore(cmd *cobra.Command, args []string) error
	Snapshots(cmd *cobra.Command, args []string) error
	Rename(cmd *cobra.Command, args []string) error
	Diff(cmd *cobra.Command, args []string) error
	Inspect(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
}

// Command builds the "env" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Manage karapace environments",
	}

	buildCmd := &cobra.Command{
		Use:   "build MANIFEST",
		Short: "Build a new environment from a normalized manifest file",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Build,
	}
	addBuildFlags(buildCmd)

	rebuildCmd := &cobra.Command{
		Use:   "rebuild ENV MANIFEST",
		Short: "Rebuild the environment recorded in MANIFEST's sibling karapace.lock (ENV is not read)",
		Args:  cobra.ExactArgs(2),
		RunE:  h.Rebuild,
	}
	addBuildFlags(rebuildCmd)

	enterCmd := &cobra.Command{
		Use:   "enter ENV",
		Short: "Enter an environment's runtime (interactive shell)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Enter,
	}

	execCmd := &cobra.Command{
		Use:   "exec ENV -- CMD [ARG...]",
		Short: "Run a command inside an environment",
		Args:  cobra.MinimumNArgs(2),
		RunE:  h.Exec,
	}

	stopCmd := &cobra.Command{
		Use:   "stop ENV",
		Short: "Stop a running environment",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Stop,
	}

	destroyCmd := &cobra.Command{
		Use:   "destroy ENV",
		Short: "Destroy an environment and release its storage references",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Destroy,
	}

	freezeCmd := &cobra.Command{
		Use:   "freeze ENV",
		Short: "Transition a built environment to frozen",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Freeze,
	}

	archiveCmd := &cobra.Command{
		Use:   "archive ENV",
		Short: "Transition a built or frozen environment to archived",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Archive,
	}

	commitCmd := &cobra.Command{
		Use:   "commit ENV",
		Short: "Snapshot the environment's overlay into a new layer",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Commit,
	}

	restoreCmd := &cobra.Command{
		Use:   "restore ENV",
		Short: "Restore an environment's overlay from a prior snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Restore,
	}
	restoreCmd.Flags().String("snapshot", "", "snapshot layer hash to restore (required)")
	_ = restoreCmd.MarkFlagRequired("snapshot")

	snapshotsCmd := &cobra.Command{
		Use:     "snapshots ENV",
		Aliases: []string{"list-snapshots"},
		Short:   "List an environment's committed snapshots",
		Args:    cobra.ExactArgs(1),
		RunE:    h.Snapshots,
	}

	renameCmd := &cobra.Command{
		Use:   "rename ENV NEW_NAME",
		Short: "Rename an environment",
		Args:  cobra.ExactArgs(2),
		RunE:  h.Rename,
	}

	diffCmd := &cobra.Command{
		Use:   "diff ENV",
		Short: "Show overlay drift against the environment's base layer",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Diff,
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect ENV",
		Short: "Show detailed environment info (JSON)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Inspect,
	}
	inspectCmd.Flags().String("manifest", "", "manifest file path, for lock-file drift checking")

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List environments with state",
		RunE:    h.List,
	}

	envCmd.AddCommand(
		buildCmd,
		rebuildCmd,
		enterCmd,
		execCmd,
		stopCmd,
		destroyCmd,
		freezeCmd,
		archiveCmd,
		commitCmd,
		restoreCmd,
		snapshotsCmd,
		renameCmd,
		diffCmd,
		inspectCmd,
		listCmd,
	)
	return envCmd
}

func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("locked", false, "require a sibling karapace.lock and verify manifest intent against it")
	cmd.Flags().Bool("offline", false, "disallow package resolution, fail if the manifest declares packages")
	cmd.Flags().Bool("require-pinned-image", false, "fail unless the manifest's base_image is an http:// or https:// URL")
}
