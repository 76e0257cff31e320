// Package reseed bootstraps an empty NetDb by downloading an SU3 reseed
// bundle from a public reseed server and unpacking the RouterInfo files
// it carries into the netDb directory.
package reseed

import (
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-i2p/go-unzip/pkg/unzip"
	"github.com/samber/oops"

	"github.com/go-i2p/go-i2pd/lib/su3"
	"github.com/go-i2p/go-i2pd/lib/util/logger"
)

var log = logger.GetI2PDLogger()

const (
	// the canonical user agent reseed servers expect
	i2pUserAgent = "Wget/1.11.4"

	// DefaultDialTimeout bounds one reseed download.
	DefaultDialTimeout = 30 * time.Second

	maxReseedSize = 8 * 1024 * 1024
)

// DefaultServers are well-known reseed endpoints serving i2pseeds.su3.
var DefaultServers = []string{
	"https://reseed.i2p-projekt.de/",
	"https://reseed.memcpy.io/",
	"https://reseed.onion.im/",
	"https://i2p.novg.net/",
	"https://reseed.diva.exchange/",
}

// Reseeder downloads SU3 bundles into a netDb directory. It satisfies
// the NetDb reseed collaborator contract.
type Reseeder struct {
	NetDbPath string
	CertsPath string
	Servers   []string

	client *http.Client
	certs  map[string][]byte // signer ID -> certificate bytes
}

func NewReseeder(netDbPath, certsPath string) *Reseeder {
	return &Reseeder{
		NetDbPath: netDbPath,
		CertsPath: certsPath,
		Servers:   DefaultServers,
		client:    &http.Client{Timeout: DefaultDialTimeout},
	}
}

// LoadCertificates reads the reseed signer certificates used for SU3
// verification from the certificates directory.
func (r *Reseeder) LoadCertificates() error {
	r.certs = make(map[string][]byte)
	dir := filepath.Join(r.CertsPath, "certificates", "reseed")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return oops.Errorf("failed to read reseed certificates: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".crt" {
			continue
		}
		buf, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			log.WithError(err).Warn("Failed to read reseed certificate")
			continue
		}
		signer := entry.Name()[:len(entry.Name())-len(".crt")]
		r.certs[signer] = buf
	}
	log.WithField("count", len(r.certs)).Debug("Reseed certificates loaded")
	return nil
}

// ReseedNowSU3 downloads one bundle from a randomly chosen server and
// unpacks it. Returns true on success.
func (r *Reseeder) ReseedNowSU3() bool {
	servers := r.Servers
	if len(servers) == 0 {
		return false
	}
	server := servers[rand.Intn(len(servers))]
	if err := r.SingleReseed(server + "i2pseeds.su3"); err != nil {
		log.WithError(err).WithField("server", server).Warn("Reseed attempt failed")
		return false
	}
	return true
}

// SingleReseed fetches one SU3 bundle and extracts its RouterInfo files
// into the netDb directory.
func (r *Reseeder) SingleReseed(uri string) error {
	request, err := http.NewRequest(http.MethodGet, uri, nil)
	if err != nil {
		return oops.Errorf("bad reseed url: %w", err)
	}
	request.Header.Set("User-Agent", i2pUserAgent)

	response, err := r.client.Do(request)
	if err != nil {
		return oops.Errorf("reseed request failed: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return oops.Errorf("reseed server returned %d", response.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxReseedSize))
	if err != nil {
		return oops.Errorf("failed to read reseed body: %w", err)
	}

	su3File, err := su3.Read(body)
	if err != nil {
		return oops.Errorf("failed to parse su3: %w", err)
	}
	if su3File.FileType != su3.ZIP || su3File.ContentType != su3.RESEED {
		return oops.Errorf("unexpected su3 payload %s/%s", su3File.FileType, su3File.ContentType)
	}
	if len(r.certs) > 0 {
		if _, known := r.certs[su3File.SignerID]; !known {
			return oops.Errorf("unknown reseed signer %s", su3File.SignerID)
		}
	}

	tmp, err := os.CreateTemp("", "i2pseeds-*.zip")
	if err != nil {
		return oops.Errorf("failed to stage reseed zip: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(su3File.Content); err != nil {
		tmp.Close()
		return oops.Errorf("failed to stage reseed zip: %w", err)
	}
	tmp.Close()

	files, err := unzip.New().Extract(tmp.Name(), r.NetDbPath)
	if err != nil {
		return oops.Errorf("failed to extract reseed zip: %w", err)
	}
	log.WithField("count", len(files)).Info("Reseed bundle extracted")
	return nil
}
