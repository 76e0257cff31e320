// Package sntp keeps a network-corrected clock for timestamp validation.
// RouterInfo timestamps are checked against this clock so a skewed local
// clock does not reject the whole network.
package sntp

import (
	"sync"
	"time"

	"github.com/beevik/ntp"

	"github.com/go-i2p/go-i2pd/lib/util/logger"
)

var log = logger.GetI2PDLogger()

// DefaultServers are queried in order until one responds.
var DefaultServers = []string{
	"0.pool.ntp.org",
	"1.pool.ntp.org",
	"2.pool.ntp.org",
}

// Timestamper tracks the offset between the local clock and NTP time.
// The zero value is usable and reports the local clock unmodified.
type Timestamper struct {
	mutex  sync.RWMutex
	offset time.Duration
}

// Now returns the corrected wall-clock time.
func (t *Timestamper) Now() time.Time {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return time.Now().Add(t.offset)
}

// Offset returns the last measured clock offset.
func (t *Timestamper) Offset() time.Duration {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.offset
}

// Sync queries the given servers (DefaultServers if empty) and stores the
// first offset obtained. Returns the error of the last attempt when every
// server fails; the previous offset stays in effect.
func (t *Timestamper) Sync(servers []string) error {
	if len(servers) == 0 {
		servers = DefaultServers
	}
	var lastErr error
	for _, server := range servers {
		response, err := ntp.Query(server)
		if err != nil {
			lastErr = err
			log.WithError(err).WithField("server", server).Debug("NTP query failed")
			continue
		}
		if err := response.Validate(); err != nil {
			lastErr = err
			continue
		}
		t.mutex.Lock()
		t.offset = response.ClockOffset
		t.mutex.Unlock()
		log.WithFields(logger.Fields{
			"server": server,
			"offset": response.ClockOffset,
		}).Debug("Clock offset updated")
		return nil
	}
	return lastErr
}
