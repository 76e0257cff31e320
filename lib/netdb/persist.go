package netdb

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/samber/oops"

	"github.com/go-i2p/go-i2pd/lib/common/base64"
	"github.com/go-i2p/go-i2pd/lib/common/data"
	"github.com/go-i2p/go-i2pd/lib/common/router_info"
	"github.com/go-i2p/go-i2pd/lib/util"
	"github.com/go-i2p/go-i2pd/lib/util/logger"
)

// CacheFileName stores the cached router count under the netDb root.
const CacheFileName = "sizecache.txt"

const (
	introducerExpiration = time.Hour
	recordExpiration     = 72 * time.Hour
	expirationPopulation = 300
)

// SkiplistFile is the path a RouterInfo with this hash is persisted at:
// r<c>/routerInfo-<base64>.dat under the netDb root, sharded by the
// first character of the Base64 hash.
func (db *NetDb) SkiplistFile(hash data.Hash) string {
	fname := base64.EncodeToString(hash[:])
	return filepath.Join(db.path, fmt.Sprintf("r%c", fname[0]), fmt.Sprintf("routerInfo-%s.dat", fname))
}

// Exists reports whether the skiplist directory tree is present.
func (db *NetDb) Exists() bool {
	if _, err := os.Stat(db.path); err != nil {
		return false
	}
	for _, c := range base64.I2PEncodeAlphabet {
		if _, err := os.Stat(filepath.Join(db.path, fmt.Sprintf("r%c", c))); err != nil {
			return false
		}
	}
	return true
}

// Create builds the skiplist directory tree.
func (db *NetDb) Create() error {
	mode := os.FileMode(0o700)
	log.WithField("path", db.path).Debug("Creating network database directory")
	if err := os.MkdirAll(db.path, mode); err != nil {
		return oops.Errorf("failed to create netDb directory: %w", err)
	}
	for _, c := range base64.I2PEncodeAlphabet {
		if err := os.MkdirAll(filepath.Join(db.path, fmt.Sprintf("r%c", c)), mode); err != nil {
			return oops.Errorf("failed to create netDb subdirectory: %w", err)
		}
	}
	return nil
}

// Ensure creates the directory tree lazily on first run.
func (db *NetDb) Ensure() error {
	if !db.Exists() {
		return db.Create()
	}
	return nil
}

// Load reads every persisted record, rejecting (and deleting) records
// that fail verification or that use an introducer and are over an hour
// old. Loaded records keep only parsed fields.
func (db *NetDb) Load() error {
	if err := db.Ensure(); err != nil {
		return err
	}
	db.riMutex.Lock()
	db.routerInfos = make(map[data.Hash]*router_info.RouterInfo)
	db.riMutex.Unlock()
	db.ffMutex.Lock()
	db.floodfills = nil
	db.ffMutex.Unlock()

	now := uint64(db.clock.Now().UnixMilli())
	numRouters := 0
	err := filepath.Walk(db.path, func(fname string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Ext(fname) != ".dat" {
			return err
		}
		ri, rerr := router_info.ReadRouterInfoFromFile(fname)
		if rerr != nil || (ri.UsesIntroducer() && now > ri.Timestamp()+uint64(introducerExpiration.Milliseconds())) {
			log.WithField("file", fname).Debug("Rejecting persisted RouterInfo")
			os.Remove(fname)
			return nil
		}
		ri.DeleteBuffer()
		db.riMutex.Lock()
		db.routerInfos[ri.IdentHash()] = ri
		db.riMutex.Unlock()
		if ri.IsFloodfill() {
			db.addFloodfill(ri)
		}
		numRouters++
		return nil
	})
	if err != nil {
		return oops.Errorf("failed to walk netDb: %w", err)
	}
	log.WithFields(logger.Fields{
		"routers":    numRouters,
		"floodfills": len(db.floodfills),
	}).Info("NetDb loaded")
	db.updateSizeCache(numRouters)
	return nil
}

// SaveUpdated is the periodic save pass: persist dirty records, expire
// old ones, and delete unreachable records from disk and memory with the
// floodfill list kept consistent.
func (db *NetDb) SaveUpdated() {
	now := uint64(db.clock.Now().UnixMilli())
	count, deleted := 0, 0

	db.riMutex.Lock()
	total := len(db.routerInfos)
	records := make([]*router_info.RouterInfo, 0, total)
	for _, ri := range db.routerInfos {
		records = append(records, ri)
	}
	db.riMutex.Unlock()

	for _, ri := range records {
		fpath := db.SkiplistFile(ri.IdentHash())
		if ri.IsUpdated() {
			if err := ri.SaveToFile(fpath); err != nil {
				log.WithError(err).Error("Failed to save RouterInfo")
				continue
			}
			ri.SetUpdated(false)
			ri.DeleteBuffer()
			count++
			continue
		}
		// RouterInfo expires after 1 hour if it uses an introducer, and
		// in 72 hours once the population exceeds 300
		if (ri.UsesIntroducer() && now > ri.Timestamp()+uint64(introducerExpiration.Milliseconds())) ||
			(total > expirationPopulation && now > ri.Timestamp()+uint64(recordExpiration.Milliseconds())) {
			total--
			ri.SetUnreachable(true)
		}
		if ri.IsUnreachable() {
			if util.CheckFileExists(fpath) {
				os.Remove(fpath)
				deleted++
			}
			if ri.IsFloodfill() {
				db.removeFloodfill(ri)
			}
		}
	}

	if count > 0 {
		log.WithField("count", count).Debug("New/updated routers saved")
	}
	if deleted > 0 {
		log.WithField("count", deleted).Debug("Routers deleted")
		db.riMutex.Lock()
		for ident, ri := range db.routerInfos {
			if ri.IsUnreachable() {
				delete(db.routerInfos, ident)
			}
		}
		remaining := len(db.routerInfos)
		db.riMutex.Unlock()
		db.updateSizeCache(remaining)
	}
}

// routerInfoBytes returns the signed blob for a record, reloading it from
// disk when the in-memory copy was dropped.
func (db *NetDb) routerInfoBytes(ri *router_info.RouterInfo) []byte {
	if ri.Bytes() == nil {
		if err := ri.LoadBuffer(db.SkiplistFile(ri.IdentHash())); err != nil {
			log.WithError(err).Debug("Failed to reload RouterInfo buffer")
			return nil
		}
	}
	return ri.Bytes()
}

func (db *NetDb) cacheFilePath() string {
	return filepath.Join(db.path, CacheFileName)
}

func (db *NetDb) updateSizeCache(count int) {
	if err := os.WriteFile(db.cacheFilePath(), []byte(strconv.Itoa(count)), 0o600); err != nil {
		log.WithError(err).Warn("Failed to update NetDb size cache")
	}
}

// CachedSize returns the persisted router count, falling back to the
// in-memory population when the cache is missing or stale.
func (db *NetDb) CachedSize() int {
	fpath := db.cacheFilePath()
	if util.CheckFileExists(fpath) && !util.CheckFileAge(fpath, 2*time.Hour) {
		if raw, err := os.ReadFile(fpath); err == nil {
			if routers, err := strconv.Atoi(string(raw)); err == nil {
				return routers
			}
		}
	}
	return db.Size()
}
