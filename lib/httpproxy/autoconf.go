// Package httpproxy hosts the proxy auto-configuration service: a tiny
// HTTP listener handing browsers a PAC file that points at the HTTP
// proxy port.
package httpproxy

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/samber/oops"

	"github.com/go-i2p/go-i2pd/lib/util/logger"
)

var log = logger.GetI2PDLogger()

// AutoConf serves the static PAC file.
type AutoConf struct {
	listenAddr string
	proxyPort  int

	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewAutoConf(listenAddr string, proxyPort int) *AutoConf {
	return &AutoConf{listenAddr: listenAddr, proxyPort: proxyPort}
}

// PAC renders the auto-config script.
func (a *AutoConf) PAC() string {
	return fmt.Sprintf(
		"function FindProxyForURL(url, host) {\n"+
			"\tif (shExpMatch(host, \"*.i2p\")) {\n"+
			"\t\treturn \"PROXY 127.0.0.1:%d\";\n"+
			"\t}\n"+
			"\treturn \"DIRECT\";\n"+
			"}\n", a.proxyPort)
}

func (a *AutoConf) Start() error {
	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return oops.Errorf("failed to listen on %s: %w", a.listenAddr, err)
	}
	a.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
		fmt.Fprint(w, a.PAC())
	})
	a.server = &http.Server{Handler: mux}

	log.WithField("addr", listener.Addr().String()).Info("Proxy auto-config service listening")
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.server.Serve(listener)
	}()
	return nil
}

func (a *AutoConf) Stop() {
	a.stopOnce.Do(func() {
		if a.server != nil {
			a.server.Close()
		}
		a.wg.Wait()
	})
}

// Addr returns the bound listener address.
func (a *AutoConf) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}
