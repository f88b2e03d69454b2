package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/rsclarke/tunegate/internal/intercept"
	"github.com/rsclarke/tunegate/internal/logging"
)

// LocalHandler answers requests addressed to the proxy itself rather than
// through it.
type LocalHandler struct {
	// ProxyAddr is the "host:port" written into the PAC file when the
	// request's Host header is empty.
	ProxyAddr string
	CA        *CA
	Logger    *zap.Logger
}

// Handler returns the mux for local requests.
func (h *LocalHandler) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /proxy.pac", h.handlePAC)
	mux.HandleFunc("GET /ca.crt", h.handleCA)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	return mux
}

func (h *LocalHandler) handlePAC(w http.ResponseWriter, r *http.Request) {
	addr := r.Host
	if addr == "" {
		addr = h.ProxyAddr
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = h.ProxyAddr
	}

	h.Logger.Debug("serving pac", logging.RemoteAddr(r.RemoteAddr), logging.Addr(addr))
	w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
	_, _ = w.Write([]byte(PACScript(addr)))
}

func (h *LocalHandler) handleCA(w http.ResponseWriter, r *http.Request) {
	if h.CA == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/x-x509-ca-cert")
	w.Header().Set("Content-Disposition", `attachment; filename="tunegate-ca.crt"`)
	_, _ = w.Write(h.CA.CertPEM)
}

func (h *LocalHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// PACScript returns a proxy auto-config script sending the in-scope hosts
// through proxyAddr and everything else direct.
func PACScript(proxyAddr string) string {
	hosts, _ := json.Marshal(intercept.HostList())

	var b strings.Builder
	b.WriteString("function FindProxyForURL(url, host) {\n")
	fmt.Fprintf(&b, "  var hosts = %s;\n", hosts)
	b.WriteString("  for (var i = 0; i < hosts.length; i++) {\n")
	b.WriteString("    if (host == hosts[i]) {\n")
	fmt.Fprintf(&b, "      return %q;\n", "PROXY "+proxyAddr)
	b.WriteString("    }\n")
	b.WriteString("  }\n")
	b.WriteString("  return \"DIRECT\";\n")
	b.WriteString("}\n")
	return b.String()
}
