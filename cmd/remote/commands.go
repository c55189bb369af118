// Package remote implements the "remote" command group: push/pull
// transfer against a RemoteBackend plus the reference HTTP server
// (spec.md §4.13, §6.2). Grounded on the teacher's cmd/vm Actions +
// Command-builder pattern, narrowed to the three transfer verbs.
package remote

import "github.com/spf13/cobra"

// Actions defines remote transfer operations.
type Actions interface {
	Push(cmd *cobra.Command, args []string) error
	Pull(cmd *cobra.Command, args []string) error
	Serve(cmd *cobra.Command, args []string) error
}

// Command builds the "remote" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	remoteCmd := &cobra.Command{
		Use:   "remote",
		Short: "Push and pull environments to/from a remote store",
	}

	pushCmd := &cobra.Command{
		Use:   "push ENV",
		Short: "Push an environment's metadata, layers, and objects to a remote",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Push,
	}
	addEndpointFlags(pushCmd)
	pushCmd.Flags().String("tag", "", "publish the pushed environment under name@tag")

	pullCmd := &cobra.Command{
		Use:   "pull ENV",
		Short: "Pull an environment's metadata, layers, and objects from a remote",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Pull,
	}
	addEndpointFlags(pullCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference RemoteProtocol HTTP server",
		RunE:  h.Serve,
	}
	serveCmd.Flags().String("addr", ":7420", "listen address")
	serveCmd.Flags().String("blob-root", "", "directory to persist blobs under (default: <store-root>/remote)")

	remoteCmd.AddCommand(pushCmd, pullCmd, serveCmd)
	return remoteCmd
}

func addEndpointFlags(cmd *cobra.Command) {
	cmd.Flags().String("endpoint", "", "remote server base URL (required)")
	_ = cmd.MarkFlagRequired("endpoint")
	cmd.Flags().String("token", "", "bearer token for the remote server, overrides config's remote_auth_token")
}
