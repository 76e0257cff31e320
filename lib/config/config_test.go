package config

import (
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestUpdateRouterConfigReadsViper(t *testing.T) {
	defer viper.Reset()

	dir := t.TempDir()
	viper.Set("datadir", dir)
	viper.Set("netdb.path", "")
	viper.Set("httpproxyport", 5555)
	viper.Set("bob.port", 3333)

	UpdateRouterConfig()

	assert.Equal(t, dir, RouterConfigProperties.DataDir)
	assert.Equal(t, filepath.Join(dir, "netDb"), RouterConfigProperties.NetDbPath,
		"empty netdb path falls back under the data dir")
	assert.Equal(t, 5555, RouterConfigProperties.HTTPProxyPort)
	assert.Equal(t, 3333, RouterConfigProperties.BOBPort)
}

func TestExplicitNetDbPathWins(t *testing.T) {
	defer viper.Reset()

	viper.Set("datadir", t.TempDir())
	viper.Set("netdb.path", "/srv/netDb")
	UpdateRouterConfig()
	assert.Equal(t, "/srv/netDb", RouterConfigProperties.NetDbPath)
}
