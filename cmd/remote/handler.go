package remote

import (
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/karapace-project/karapace/cmd/core"
	"github.com/karapace-project/karapace/progress"
	kararemote "github.com/karapace-project/karapace/remote"
)

// Handler wires cobra commands to the remote package.
type Handler struct {
	cmdcore.BaseHandler
}

func tokenFromFlags(cmd *cobra.Command, configured string) string {
	if t, _ := cmd.Flags().GetString("token"); t != "" {
		return t
	}
	return configured
}

func lineTracker() progress.Tracker {
	return progress.NewTracker(func(e kararemote.Event) {
		fmt.Printf("%-10s %d/%d\n", e.Stage, e.Done, e.Total)
	})
}

func (h Handler) Push(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	e, err := cmdcore.InitEngine(ctx, conf)
	if err != nil {
		return err
	}
	endpoint, _ := cmd.Flags().GetString("endpoint")
	tag, _ := cmd.Flags().GetString("tag")
	client := kararemote.NewClient(endpoint, tokenFromFlags(cmd, conf.RemoteAuthToken))

	result, err := kararemote.PushEnv(ctx, e.Meta, e.Layers, e.Objects, client, args[0], tag, lineTracker())
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	log.WithFunc("cmd.push").Infof(ctx, "pushed %s: %d/%d objects, %d/%d layers new",
		args[0], result.ObjectsPushed, result.ObjectsPushed+result.ObjectsSkipped,
		result.LayersPushed, result.LayersPushed+result.LayersSkipped)
	return nil
}

func (h Handler) Pull(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	e, err := cmdcore.InitEngine(ctx, conf)
	if err != nil {
		return err
	}
	endpoint, _ := cmd.Flags().GetString("endpoint")
	client := kararemote.NewClient(endpoint, tokenFromFlags(cmd, conf.RemoteAuthToken))

	result, err := kararemote.PullEnv(ctx, e.Meta, e.Layers, e.Objects, client, args[0], lineTracker())
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	log.WithFunc("cmd.pull").Infof(ctx, "pulled %s: %d layers, %d objects", args[0], result.LayersFetched, result.ObjectsFetched)
	return nil
}

func (h Handler) Serve(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	addr, _ := cmd.Flags().GetString("addr")
	root, _ := cmd.Flags().GetString("blob-root")
	if root == "" {
		root = conf.StoreRoot + "/remote"
	}
	srv := kararemote.NewServer(root, conf.RemoteAuthToken)
	return srv.ListenAndServe(ctx, addr)
}
