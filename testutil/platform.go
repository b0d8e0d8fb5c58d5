// Package testutil provides an in-process fake of the cloud platform:
// identity issuer, destination catalog and connectivity proxy, each an
// httptest.Server. The on-premise backend is any http.Handler reachable
// through the proxy under BackendHost.
package testutil

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// BackendHost is the virtual host of the on-premise system. It must not be
// a loopback name: loopback targets bypass proxies.
const BackendHost = "onprem.internal"

// Client credentials of the fake service bindings.
const (
	DestinationClientID  = "dest-client"
	ConnectivityClientID = "conn-client"
	clientSecretSuffix   = "-secret"
	LocationID           = "loc-1"
)

// TokenFor returns the access token the issuer grants clientID.
func TokenFor(clientID string) string {
	return "tok-" + clientID
}

// DestinationConfig is one catalog entry.
type DestinationConfig struct {
	Name                     string `json:"Name"`
	URL                      string `json:"URL"`
	User                     string `json:"User,omitempty"`
	Password                 string `json:"Password,omitempty"`
	CloudConnectorLocationID string `json:"CloudConnectorLocationId,omitempty"`
	ProxyType                string `json:"ProxyType"`
	Authentication           string `json:"Authentication"`
}

// ProxiedRequest records what the proxy saw for one forwarded request.
type ProxiedRequest struct {
	Path       string
	LocationID string
	User       string
	Password   string
	Accept     string
}

// Platform is a running fake platform.
type Platform struct {
	Issuer  *httptest.Server
	Catalog *httptest.Server
	Proxy   *httptest.Server

	TokenCalls  atomic.Int32
	LookupCalls atomic.Int32
	ProxyCalls  atomic.Int32

	backend http.Handler

	mu           sync.Mutex
	destinations map[string]DestinationConfig
	failing      map[string]bool
	seen         []ProxiedRequest
}

// NewPlatform starts the fake services and registers their shutdown with
// t.Cleanup. A destination named "onprem" pointing at BackendHost with
// basic-auth credentials is preconfigured.
func NewPlatform(t testing.TB, backend http.Handler) *Platform {
	t.Helper()

	p := &Platform{
		backend:      backend,
		destinations: make(map[string]DestinationConfig),
		failing:      make(map[string]bool),
	}

	p.AddDestination(DestinationConfig{
		Name:                     "onprem",
		URL:                      "http://" + BackendHost,
		User:                     "svc",
		Password:                 "svc-password",
		CloudConnectorLocationID: LocationID,
		ProxyType:                "OnPremise",
		Authentication:           "BasicAuthentication",
	})

	p.Issuer = httptest.NewServer(http.HandlerFunc(p.serveToken))
	p.Catalog = httptest.NewServer(http.HandlerFunc(p.serveLookup))
	p.Proxy = httptest.NewServer(http.HandlerFunc(p.serveProxy))

	t.Cleanup(func() {
		p.Issuer.Close()
		p.Catalog.Close()
		p.Proxy.Close()
	})

	return p
}

// AddDestination registers or replaces a catalog entry.
func (p *Platform) AddDestination(d DestinationConfig) {
	p.mu.Lock()
	p.destinations[d.Name] = d
	p.mu.Unlock()
}

// FailTokensFor makes the issuer reject clientID with 401.
func (p *Platform) FailTokensFor(clientID string) {
	p.mu.Lock()
	p.failing[clientID] = true
	p.mu.Unlock()
}

// Seen returns a copy of every request the proxy forwarded.
func (p *Platform) Seen() []ProxiedRequest {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ProxiedRequest, len(p.seen))
	copy(out, p.seen)

	return out
}

// VCAPServices renders a VCAP_SERVICES document binding the fake services
// under their default names.
func (p *Platform) VCAPServices() string {
	proxy, _ := url.Parse(p.Proxy.URL)
	host, port, _ := net.SplitHostPort(proxy.Host)

	doc := map[string][]map[string]any{
		"xsuaa": {{
			"name": "uaa", "label": "xsuaa",
			"credentials": map[string]any{"url": p.Issuer.URL},
		}},
		"destination": {{
			"name": "destination", "label": "destination",
			"credentials": map[string]any{
				"uri":          p.Catalog.URL,
				"clientid":     DestinationClientID,
				"clientsecret": DestinationClientID + clientSecretSuffix,
			},
		}},
		"connectivity": {{
			"name": "connectivity", "label": "connectivity",
			"credentials": map[string]any{
				"clientid":             ConnectivityClientID,
				"clientsecret":         ConnectivityClientID + clientSecretSuffix,
				"onpremise_proxy_host": host,
				"onpremise_proxy_port": port,
			},
		}},
	}

	raw, _ := json.Marshal(doc)

	return string(raw)
}

// Lookup returns an os.LookupEnv-shaped function exposing VCAPServices.
func (p *Platform) Lookup() func(string) (string, bool) {
	services := p.VCAPServices()

	return func(key string) (string, bool) {
		if key == "VCAP_SERVICES" {
			return services, true
		}

		return "", false
	}
}

func (p *Platform) serveToken(w http.ResponseWriter, r *http.Request) {
	p.TokenCalls.Add(1)

	if r.Method != http.MethodPost || r.URL.Path != "/oauth/token" {
		http.Error(w, "unexpected token request", http.StatusBadRequest)
		return
	}

	user, pass, ok := r.BasicAuth()
	if !ok || pass != user+clientSecretSuffix {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
		return
	}

	p.mu.Lock()
	failing := p.failing[user]
	p.mu.Unlock()

	if failing {
		http.Error(w, `{"error":"unauthorized_client"}`, http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"access_token":%q,"token_type":"bearer","expires_in":3600}`, TokenFor(user))
}

func (p *Platform) serveLookup(w http.ResponseWriter, r *http.Request) {
	p.LookupCalls.Add(1)

	if r.Header.Get("Authorization") != "Bearer "+TokenFor(DestinationClientID) {
		http.Error(w, "bad destination token", http.StatusUnauthorized)
		return
	}

	name, ok := strings.CutPrefix(r.URL.Path, "/destination-configuration/v1/destinations/")
	if !ok {
		http.NotFound(w, r)
		return
	}

	p.mu.Lock()
	d, found := p.destinations[name]
	p.mu.Unlock()

	if !found {
		http.Error(w, `{"ErrorMessage":"Configuration with the specified name was not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"destinationConfiguration": d})
}

// serveProxy accepts absolute-form requests for BackendHost and hands them
// to the backend after checking the tunnel credentials.
func (p *Platform) serveProxy(w http.ResponseWriter, r *http.Request) {
	p.ProxyCalls.Add(1)

	if r.Header.Get("Proxy-Authorization") != "Bearer "+TokenFor(ConnectivityClientID) {
		http.Error(w, "proxy authentication required", http.StatusProxyAuthRequired)
		return
	}

	if r.URL.Host != BackendHost {
		http.Error(w, "unknown virtual host "+r.URL.Host, http.StatusBadGateway)
		return
	}

	user, pass, _ := r.BasicAuth()

	p.mu.Lock()
	p.seen = append(p.seen, ProxiedRequest{
		Path:       r.URL.RequestURI(),
		LocationID: r.Header.Get("SAP-Connectivity-SCC-Location_ID"),
		User:       user,
		Password:   pass,
		Accept:     r.Header.Get("Accept"),
	})
	p.mu.Unlock()

	p.backend.ServeHTTP(w, r)
}
