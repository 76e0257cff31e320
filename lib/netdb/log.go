package netdb

import (
	"github.com/go-i2p/go-i2pd/lib/util/logger"
)

var log = logger.GetI2PDLogger()
