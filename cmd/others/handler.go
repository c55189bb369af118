package others

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/karapace-project/karapace/cmd/core"
	"github.com/karapace-project/karapace/migrate"
	"github.com/karapace-project/karapace/store/layout"
	"github.com/karapace-project/karapace/verify"
	"github.com/karapace-project/karapace/version"
)

// Handler wires cobra commands to gc/migrate/verify.
type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) GC(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	e, err := cmdcore.InitEngine(ctx, conf)
	if err != nil {
		return err
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	report, err := e.RunGC(ctx, dryRun, nil)
	if err != nil {
		return fmt.Errorf("gc: %w", err)
	}
	logger := log.WithFunc("cmd.gc")
	if dryRun {
		logger.Infof(ctx, "would remove %d envs, %d layers, %d objects",
			len(report.OrphanedEnvs), len(report.OrphanedLayers), len(report.OrphanedObjects))
		return nil
	}
	logger.Infof(ctx, "removed %d envs, %d layers, %d objects", report.RemovedEnvs, report.RemovedLayers, report.RemovedObjects)
	return nil
}

func (h Handler) Doctor(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.doctor")

	// Migrate before InitEngine: engine.New rejects a store whose version
	// marker is not current. A store with no version marker has nothing to migrate.
	migResult, err := migrate.MigrateStore(ctx, layout.New(conf.StoreRoot))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("migrate: %w", err)
	}
	if migResult != nil {
		logger.Infof(ctx, "migrated store from v%d to v%d (%d environments, backup: %s)",
			migResult.FromVersion, migResult.ToVersion, migResult.EnvironmentsMigrated, migResult.BackupPath)
	}

	e, err := cmdcore.InitEngine(ctx, conf)
	if err != nil {
		return err
	}

	report, err := verify.VerifyStoreIntegrity(e.Objects, e.Layers, e.Meta)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	logger.Infof(ctx, "objects: %d/%d passed, layers: %d/%d passed, metadata: %d/%d passed",
		report.Passed, report.Checked, report.LayersPassed, report.LayersChecked, report.MetadataPassed, report.MetadataChecked)

	for _, f := range report.Failed {
		logger.Warnf(ctx, "object %s: %s", f.Hash, f.Reason)
	}
	for _, f := range report.LayersFailed {
		logger.Warnf(ctx, "layer %s: %s", f.Hash, f.Reason)
	}
	for _, f := range report.MetadataFailed {
		logger.Warnf(ctx, "metadata %s: %s", f.Hash, f.Reason)
	}
	if len(report.Failed)+len(report.LayersFailed)+len(report.MetadataFailed) > 0 {
		return fmt.Errorf("doctor: store integrity check found failures")
	}
	return nil
}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Print(version.String())
	return nil
}
