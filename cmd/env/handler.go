package env

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	cmdcore "github.com/karapace-project/karapace/cmd/core"
	"github.com/karapace-project/karapace/engine"
	"github.com/karapace-project/karapace/types"
)

// Handler wires cobra commands to the engine.
type Handler struct {
	cmdcore.BaseHandler
}

// initEngine is the shared init for every method: config + engine.
func (h Handler) initEngine(cmd *cobra.Command) (context.Context, *engine.Engine, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, err
	}
	e, err := cmdcore.InitEngine(ctx, conf)
	if err != nil {
		return nil, nil, err
	}
	return ctx, e, nil
}

// resolveEnv resolves a CLI-supplied ENV argument (exact env_id, name, or
// env_id prefix) to a full env_id via the engine's three-tier lookup, so
// every verb below accepts the same kinds of references.
func resolveEnv(e *engine.Engine, ref string) (string, error) {
	id, err := e.ResolveEnvRef(ref)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", ref, err)
	}
	return id, nil
}

func buildOptionsFromFlags(cmd *cobra.Command) engine.BuildOptions {
	locked, _ := cmd.Flags().GetBool("locked")
	offline, _ := cmd.Flags().GetBool("offline")
	pinned, _ := cmd.Flags().GetBool("require-pinned-image")
	return engine.BuildOptions{Locked: locked, Offline: offline, RequirePinnedImage: pinned}
}

func (h Handler) Build(cmd *cobra.Command, args []string) error {
	ctx, e, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	manifestPath := args[0]
	manifest, err := cmdcore.LoadManifest(manifestPath)
	if err != nil {
		return err
	}
	meta, err := e.Build(ctx, manifestPath, manifest, buildOptionsFromFlags(cmd))
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	logger := log.WithFunc("cmd.build")
	logger.Infof(ctx, "environment built: %s (state: %s, base layer: %s)", meta.EnvID, meta.State, meta.BaseLayer)
	logger.Infof(ctx, "enter with: karapace env enter %s", meta.EnvID)
	return nil
}

func (h Handler) Rebuild(cmd *cobra.Command, args []string) error {
	ctx, e, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	manifestPath := args[1]
	manifest, err := cmdcore.LoadManifest(manifestPath)
	if err != nil {
		return err
	}
	meta, err := e.Rebuild(ctx, manifestPath, manifest, buildOptionsFromFlags(cmd))
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	log.WithFunc("cmd.rebuild").Infof(ctx, "environment rebuilt: %s (state: %s)", meta.EnvID, meta.State)
	return nil
}

func (h Handler) Enter(cmd *cobra.Command, args []string) error {
	ctx, e, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	envID, err := resolveEnv(e, args[0])
	if err != nil {
		return err
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, rawErr := term.MakeRaw(fd)
		if rawErr != nil {
			return fmt.Errorf("set raw mode: %w", rawErr)
		}
		defer term.Restore(fd, oldState) //nolint:errcheck
	}

	if err := e.Enter(ctx, envID); err != nil {
		return fmt.Errorf("enter: %w", err)
	}
	log.WithFunc("cmd.enter").Infof(ctx, "entered: %s", envID)
	return nil
}

func (h Handler) Exec(cmd *cobra.Command, args []string) error {
	ctx, e, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	envID, err := resolveEnv(e, args[0])
	if err != nil {
		return err
	}
	out, err := e.Exec(ctx, envID, args[1:])
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	os.Stdout.Write(out.Stdout) //nolint:errcheck
	os.Stderr.Write(out.Stderr) //nolint:errcheck
	if out.ExitCode != 0 {
		return fmt.Errorf("command exited %d", out.ExitCode)
	}
	return nil
}

func (h Handler) Stop(cmd *cobra.Command, args []string) error {
	ctx, e, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	envID, err := resolveEnv(e, args[0])
	if err != nil {
		return err
	}
	if err := e.Stop(ctx, envID); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	log.WithFunc("cmd.stop").Infof(ctx, "stopped: %s", envID)
	return nil
}

func (h Handler) Destroy(cmd *cobra.Command, args []string) error {
	ctx, e, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	envID, err := resolveEnv(e, args[0])
	if err != nil {
		return err
	}
	if err := e.Destroy(ctx, envID); err != nil {
		return fmt.Errorf("destroy: %w", err)
	}
	log.WithFunc("cmd.destroy").Infof(ctx, "destroyed: %s", envID)
	return nil
}

func (h Handler) Freeze(cmd *cobra.Command, args []string) error {
	ctx, e, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	envID, err := resolveEnv(e, args[0])
	if err != nil {
		return err
	}
	if err := e.Freeze(ctx, envID); err != nil {
		return fmt.Errorf("freeze: %w", err)
	}
	log.WithFunc("cmd.freeze").Infof(ctx, "frozen: %s", envID)
	return nil
}

func (h Handler) Archive(cmd *cobra.Command, args []string) error {
	ctx, e, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	envID, err := resolveEnv(e, args[0])
	if err != nil {
		return err
	}
	if err := e.Archive(ctx, envID); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	log.WithFunc("cmd.archive").Infof(ctx, "archived: %s", envID)
	return nil
}

func (h Handler) Commit(cmd *cobra.Command, args []string) error {
	ctx, e, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	envID, err := resolveEnv(e, args[0])
	if err != nil {
		return err
	}
	hash, err := e.Commit(ctx, envID)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	log.WithFunc("cmd.commit").Infof(ctx, "snapshot: %s", hash)
	return nil
}

func (h Handler) Restore(cmd *cobra.Command, args []string) error {
	ctx, e, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	envID, err := resolveEnv(e, args[0])
	if err != nil {
		return err
	}
	snapshot, _ := cmd.Flags().GetString("snapshot")
	if err := e.Restore(ctx, envID, snapshot); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	log.WithFunc("cmd.restore").Infof(ctx, "restored %s to snapshot %s", envID, snapshot)
	return nil
}

func (h Handler) Snapshots(cmd *cobra.Command, args []string) error {
	_, e, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	envID, err := resolveEnv(e, args[0])
	if err != nil {
		return err
	}
	snaps, err := e.ListSnapshots(envID)
	if err != nil {
		return fmt.Errorf("snapshots: %w", err)
	}
	if len(snaps) == 0 {
		fmt.Println("No snapshots found.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0) //nolint:mnd
	_, _ = fmt.Fprintln(w, "HASH\tPARENT\tKIND")
	for _, s := range snaps {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", s.Hash, s.Parent, s.Kind)
	}
	return w.Flush()
}

func (h Handler) Rename(cmd *cobra.Command, args []string) error {
	_, e, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	envID, err := resolveEnv(e, args[0])
	if err != nil {
		return err
	}
	if err := e.Rename(envID, args[1]); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (h Handler) Diff(cmd *cobra.Command, args []string) error {
	_, e, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	envID, err := resolveEnv(e, args[0])
	if err != nil {
		return err
	}
	report, err := e.Diff(envID)
	if err != nil {
		return fmt.Errorf("diff: %w", err)
	}
	if !report.HasDrift() {
		fmt.Println("No drift.")
		return nil
	}
	for _, p := range report.Added {
		fmt.Printf("A %s\n", p)
	}
	for _, p := range report.Modified {
		fmt.Printf("M %s\n", p)
	}
	for _, p := range report.Removed {
		fmt.Printf("D %s\n", p)
	}
	return nil
}

func (h Handler) Inspect(cmd *cobra.Command, args []string) error {
	_, e, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	envID, err := resolveEnv(e, args[0])
	if err != nil {
		return err
	}
	manifestPath, _ := cmd.Flags().GetString("manifest")
	meta, lock, driftReport, err := e.Inspect(manifestPath, envID)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	out := struct {
		Metadata *types.EnvMetadata `json:"metadata"`
		Lock     any                `json:"lock,omitempty"`
		Drift    any                `json:"drift,omitempty"`
	}{Metadata: meta}
	// Assign only when non-nil: a nil *lockfile.LockFile or *drift.Report
	// boxed into the any field is a non-nil interface, so omitempty alone
	// would not drop it and we'd print "lock": null / "drift": null.
	if lock != nil {
		out.Lock = lock
	}
	if driftReport != nil {
		out.Drift = driftReport
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	_, e, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	envs, err := e.List()
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if len(envs) == 0 {
		fmt.Println("No environments found.")
		return nil
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].CreatedAt.Before(envs[j].CreatedAt) })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0) //nolint:mnd
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATE\tBASE LAYER\tREFS\tCREATED")
	for _, m := range envs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			m.ShortID, m.Name, m.State, shortHash(m.BaseLayer), m.RefCount, m.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func shortHash(h string) string {
	const n = 12
	if len(h) <= n {
		return h
	}
	return h[:n]
}
