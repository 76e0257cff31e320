// Package config loads the router configuration: a YAML config file
// (i2p.yaml) in the data directory with command-line overrides on top.
package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/go-i2p/go-i2pd/lib/util"
	"github.com/go-i2p/go-i2pd/lib/util/logger"
)

var (
	// CfgFile is an explicit config file path (the -conf override).
	CfgFile string
	log     = logger.GetI2PDLogger()
)

const I2PD_BASE_DIR = ".go-i2pd"

// InitConfig wires viper: defaults, the config file (created on first
// run), and the resulting RouterConfig snapshot.
func InitConfig() {
	if CfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(CfgFile)
	} else {
		// Default config lives in the data directory
		dataDir := viper.GetString("datadir")
		if dataDir == "" {
			dataDir = defaultDataDir()
		}
		viper.AddConfigPath(dataDir)
		viper.SetConfigName("i2p")
		viper.SetConfigType("yaml")
	}

	setDefaults()
	handleConfigFile()
	UpdateRouterConfig()
}

func setDefaults() {
	viper.SetDefault("datadir", defaultDataDir())
	viper.SetDefault("netdb.path", filepath.Join(viper.GetString("datadir"), "netDb"))
	viper.SetDefault("service", false)
	viper.SetDefault("httpproxyport", 4446)
	viper.SetDefault("bob.port", 2827)
	viper.SetDefault("autoconf.port", 7657)
}

// RouterConfig is the composed runtime configuration.
type RouterConfig struct {
	// the data directory holding keys, netDb and destination files
	DataDir string
	// path to the network database directory
	NetDbPath string
	// run from the system data dir instead of the user's home
	Service bool
	// the HTTP proxy port the PAC file advertises
	HTTPProxyPort int
	// BOB command channel port
	BOBPort int
	// proxy auto-config service port
	AutoConfPort int
}

func defaultDataDir() string {
	if viper.GetBool("service") {
		return "/var/lib/go-i2pd"
	}
	return filepath.Join(util.UserHome(), I2PD_BASE_DIR)
}

func defaultRouterConfig() *RouterConfig {
	dataDir := defaultDataDir()
	return &RouterConfig{
		DataDir:       dataDir,
		NetDbPath:     filepath.Join(dataDir, "netDb"),
		HTTPProxyPort: 4446,
		BOBPort:       2827,
		AutoConfPort:  7657,
	}
}

// RouterConfigProperties is the live configuration snapshot.
var RouterConfigProperties = defaultRouterConfig()

// UpdateRouterConfig refreshes RouterConfigProperties from viper.
func UpdateRouterConfig() {
	RouterConfigProperties.DataDir = viper.GetString("datadir")
	RouterConfigProperties.Service = viper.GetBool("service")
	RouterConfigProperties.NetDbPath = viper.GetString("netdb.path")
	if RouterConfigProperties.NetDbPath == "" {
		RouterConfigProperties.NetDbPath = filepath.Join(RouterConfigProperties.DataDir, "netDb")
	}
	RouterConfigProperties.HTTPProxyPort = viper.GetInt("httpproxyport")
	RouterConfigProperties.BOBPort = viper.GetInt("bob.port")
	RouterConfigProperties.AutoConfPort = viper.GetInt("autoconf.port")
}

func handleConfigFile() {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if CfgFile != "" {
				log.Fatalf("Config file %s is not found: %s", CfgFile, err)
			} else {
				createDefaultConfig(viper.GetString("datadir"))
			}
		} else {
			log.Fatalf("Error reading config file: %s", err)
		}
	} else {
		log.Debugf("Using config file: %s", viper.ConfigFileUsed())
	}
}

func createDefaultConfig(defaultConfigDir string) {
	if defaultConfigDir == "" {
		defaultConfigDir = defaultDataDir()
	}
	if err := os.MkdirAll(defaultConfigDir, 0o755); err != nil {
		log.Fatalf("Could not create config directory: %s", err)
	}
	defaultConfigFile := filepath.Join(defaultConfigDir, "i2p.yaml")
	if err := viper.WriteConfigAs(defaultConfigFile); err != nil {
		log.Fatalf("Could not write default config file: %s", err)
	}
	log.Debugf("Created default configuration at: %s", defaultConfigFile)
}
