package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcore "github.com/karapace-project/karapace/cmd/core"
	cmdenv "github.com/karapace-project/karapace/cmd/env"
	cmdothers "github.com/karapace-project/karapace/cmd/others"
	cmdremote "github.com/karapace-project/karapace/cmd/remote"
	"github.com/karapace-project/karapace/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "karapace",
		Short:        "Karapace - deterministic environment engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmdcore.CommandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("store-root", "", "store root directory (default: /var/lib/karapace)")
	cmd.PersistentFlags().Int("pool-size", 0, "pool size config value (default: NumCPU; GC and remote transfer use a fixed 8 workers)")
	cmd.PersistentFlags().Int("lock-timeout-seconds", 0, "lock timeout config value (default: 30; the store lock wait is not bounded by it)")
	cmd.PersistentFlags().Int("stop-grace-period-seconds", 0, "stop grace period config value (default: 30; stop uses a fixed 500ms)")
	cmd.PersistentFlags().String("remote-auth-token", "", "bearer token for remote push/pull/serve")

	_ = viper.BindPFlag("store_root", cmd.PersistentFlags().Lookup("store-root"))
	_ = viper.BindPFlag("pool_size", cmd.PersistentFlags().Lookup("pool-size"))
	_ = viper.BindPFlag("lock_timeout_seconds", cmd.PersistentFlags().Lookup("lock-timeout-seconds"))
	_ = viper.BindPFlag("stop_grace_period_seconds", cmd.PersistentFlags().Lookup("stop-grace-period-seconds"))
	_ = viper.BindPFlag("remote_auth_token", cmd.PersistentFlags().Lookup("remote-auth-token"))

	viper.SetEnvPrefix("KARAPACE")
	viper.AutomaticEnv()

	confProvider := func() *config.Config { return conf }
	base := cmdcore.BaseHandler{ConfProvider: confProvider}

	cmd.AddCommand(cmdenv.Command(cmdenv.Handler{BaseHandler: base}))
	cmd.AddCommand(cmdremote.Command(cmdremote.Handler{BaseHandler: base}))
	for _, c := range cmdothers.Commands(cmdothers.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}

	return cmd
}()

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		// No config file is OK; a corrupt/unreadable one is not.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	var err error
	conf, err = config.EnsureDirs(conf)
	if err != nil {
		return fmt.Errorf("ensure dirs: %w", err)
	}

	return log.SetupLog(ctx, conf.Log, "")
}
