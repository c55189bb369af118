// Package others groups cross-cutting system subcommands that don't
// belong to either the "env" or "remote" parents. Grounded on the
// teacher's cmd/others package (flat Commands([]*cobra.Command) builder,
// no shared parent command), extended with a "doctor" verb supplementing
// gc/version for the store-maintenance features original_source/ carries
// that the distilled spec left implicit.
package others

import "github.com/spf13/cobra"

// Actions defines system-level operations.
type Actions interface {
	GC(cmd *cobra.Command, args []string) error
	Doctor(cmd *cobra.Command, args []string) error
	Version(cmd *cobra.Command, args []string) error
}

// Commands builds the system command set.
func Commands(h Actions) []*cobra.Command {
	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Mark-and-sweep orphaned layers, objects, and environments",
		RunE:  h.GC,
	}
	gcCmd.Flags().Bool("dry-run", false, "report what would be removed without removing it")

	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "Migrate the store to the current format, then verify its integrity",
		RunE:  h.Doctor,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version, commit, and build timestamp",
		RunE:  h.Version,
	}

	return []*cobra.Command{gcCmd, doctorCmd, versionCmd}
}
