package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inkpress/inkpress/internal/config"
	"github.com/inkpress/inkpress/internal/model"
	"github.com/inkpress/inkpress/internal/server"
	"github.com/inkpress/inkpress/internal/service"
)

const banner = `
 _       _
(_)_ __ | | ___ __  _ __ ___  ___ ___
| | '_ \| |/ / '_ \| '__/ _ \/ __/ __|
| | | | |   <| |_) | | |  __/\__ \__ \
|_|_| |_|_|\_\ .__/|_|  \___||___/___/
             |_|
`

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Inkpress API server",
		Long:  "Start the HTTP server that authenticates API keys and serves the key and site management API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(dev bool) error {
	fmt.Print(banner)
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 1. Set up logger
	logger, logCloser, err := newLogger(cfg.Logging, dev)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()

	// 2. Open the key store
	store, err := config.Open(cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("init key store: %w", err)
	}
	defer store.Close()
	logger.Info("key store initialized", "driver", store.Dialect(), "data_dir", cfg.DataDir)

	// 3. Warn when no admin key exists yet
	if !hasAdminKey(store) {
		logger.Warn("no admin API key found - run: inkpress key create --type admin --scopes admin --name root")
	}

	// 4. Start the usage recorder
	usage := service.NewUsageRecorder(store, logger, service.UsageRecorderConfig{
		QueueSize:    cfg.Usage.QueueSize,
		Workers:      cfg.Usage.Workers,
		TopEndpoints: cfg.Usage.TopEndpoints,
	})
	usage.Start()

	// 5. Build and start HTTP server
	srvCfg, err := server.FromYAML(cfg)
	if err != nil {
		return err
	}
	srv := server.New(srvCfg, store, usage, logger)

	fmt.Printf("→ Inkpress %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", srvCfg.Host, srvCfg.Port)
	fmt.Printf("→ API:        http://%s:%d/api/v1\n", srvCfg.Host, srvCfg.Port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", srvCfg.Host, srvCfg.Port)
	fmt.Printf("→ Metrics:    http://%s:%d/metrics\n", srvCfg.Host, srvCfg.Port)
	fmt.Println()

	return srv.ListenAndServe()
}

func hasAdminKey(store *config.Store) bool {
	keys, err := store.ListAPIKeys(context.Background())
	if err != nil {
		return false
	}
	for _, k := range keys {
		if k.KeyType == model.KeyTypeAdmin && k.IsActive && !k.IsRevoked() {
			return true
		}
	}
	return false
}
