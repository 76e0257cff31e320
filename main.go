package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-i2p/go-i2pd/lib/bob"
	"github.com/go-i2p/go-i2pd/lib/config"
	"github.com/go-i2p/go-i2pd/lib/httpproxy"
	"github.com/go-i2p/go-i2pd/lib/netdb"
	"github.com/go-i2p/go-i2pd/lib/netdb/reseed"
	"github.com/go-i2p/go-i2pd/lib/router"
	"github.com/go-i2p/go-i2pd/lib/streaming"
	"github.com/go-i2p/go-i2pd/lib/util/logger"
	"github.com/go-i2p/go-i2pd/lib/util/time/sntp"
)

var log = logger.GetI2PDLogger()

var rootCmd = &cobra.Command{
	Use:   "go-i2pd",
	Short: "I2P router core: NetDb, streaming and client tunnels",
	RunE: func(cmd *cobra.Command, args []string) error {
		config.InitConfig()
		return run()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&config.CfgFile, "conf", "", "config file (default i2p.yaml in the data dir)")
	flags.String("datadir", "", "data directory")
	flags.Bool("service", false, "use the system data directory")
	flags.Int("httpproxyport", 4446, "HTTP proxy port advertised by the PAC file")
	flags.Int("bobport", 2827, "BOB command channel port")

	viper.BindPFlag("datadir", flags.Lookup("datadir"))
	viper.BindPFlag("service", flags.Lookup("service"))
	viper.BindPFlag("httpproxyport", flags.Lookup("httpproxyport"))
	viper.BindPFlag("bob.port", flags.Lookup("bobport"))
}

func run() error {
	cfg := config.RouterConfigProperties
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return err
	}

	clock := &sntp.Timestamper{}
	if err := clock.Sync(nil); err != nil {
		log.WithError(err).Warn("Clock sync failed, using local time")
	}

	ctx, err := router.NewContext(cfg.DataDir, 0, nil)
	if err != nil {
		return err
	}

	reseeder := reseed.NewReseeder(cfg.NetDbPath, cfg.DataDir)
	db := netdb.NewNetDb(cfg.NetDbPath, nil, nil, nil, reseeder, clock, ctx.RouterInfo())
	if err := db.Start(); err != nil {
		return err
	}
	defer db.Stop()

	destinations := streaming.NewDestinations(db, nil, nil, cfg.DataDir)
	if err := destinations.Start(); err != nil {
		return err
	}
	defer destinations.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	commandChannel := bob.NewCommandChannel(fmt.Sprintf("127.0.0.1:%d", cfg.BOBPort), destinations, db, func() {
		quit <- syscall.SIGTERM
	})
	if err := commandChannel.Start(); err != nil {
		return err
	}
	defer commandChannel.Stop()

	autoConf := httpproxy.NewAutoConf(fmt.Sprintf("127.0.0.1:%d", cfg.AutoConfPort), cfg.HTTPProxyPort)
	if err := autoConf.Start(); err != nil {
		return err
	}
	defer autoConf.Stop()

	log.Info("go-i2pd core running")
	<-quit
	log.Info("shutting down")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Errorf("failed to start router: %s", err)
		os.Exit(1)
	}
}
