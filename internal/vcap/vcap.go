// Package vcap resolves Cloud Foundry service bindings from the
// VCAP_SERVICES environment variable. The environment is always injected
// through a LookupFunc; nothing in this package reads the process
// environment implicitly.
package vcap

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
)

// EnvServices is the environment variable Cloud Foundry populates with
// bound service instances.
const EnvServices = "VCAP_SERVICES"

// ErrServiceUnavailable is returned when a required binding is absent or
// incomplete. Use errors.Is(err, vcap.ErrServiceUnavailable) to check.
var ErrServiceUnavailable = errors.New("vcap: required service not available")

// redactedSecret replaces client secrets in diagnostic output.
const redactedSecret = "--protected--"

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ServiceCredentials is the credentials block of one bound service instance.
// Not every field is present for every service: the identity service
// carries IssuerURL, the destination service URI, the connectivity service
// ProxyHost and ProxyPort.
type ServiceCredentials struct {
	Name         string
	Label        string
	IssuerURL    string
	ClientID     string
	ClientSecret string
	URI          string
	ProxyHost    string
	ProxyPort    string
}

// ProxyAddr returns host:port of the on-premise proxy.
func (c *ServiceCredentials) ProxyAddr() string {
	return net.JoinHostPort(c.ProxyHost, c.ProxyPort)
}

// LogValue implements slog.LogValuer. The client secret is never rendered.
func (c *ServiceCredentials) LogValue() slog.Value {
	secret := ""
	if c.ClientSecret != "" {
		secret = redactedSecret
	}

	return slog.GroupValue(
		slog.String("name", c.Name),
		slog.String("label", c.Label),
		slog.String("url", c.IssuerURL),
		slog.String("uri", c.URI),
		slog.String("clientid", c.ClientID),
		slog.String("clientsecret", secret),
		slog.String("proxy", c.ProxyHost),
	)
}

// serviceInstance mirrors one element of a VCAP_SERVICES label array.
type serviceInstance struct {
	Name        string             `json:"name"`
	Label       string             `json:"label"`
	Credentials serviceCredentials `json:"credentials"`
}

type serviceCredentials struct {
	URL          string     `json:"url"`
	ClientID     string     `json:"clientid"`
	ClientSecret string     `json:"clientsecret"`
	URI          string     `json:"uri"`
	ProxyHost    string     `json:"onpremise_proxy_host"`
	ProxyPort    flexString `json:"onpremise_proxy_port"`
}

// flexString accepts either a JSON string or a JSON number. Cloud Foundry
// brokers disagree on how the proxy port is encoded.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("vcap: expected string or number, got %s", string(data))
	}

	*f = flexString(n.String())

	return nil
}

// Store resolves service bindings from an injected environment.
type Store struct {
	lookup LookupFunc
}

// New creates a Store reading VCAP_SERVICES through lookup.
func New(lookup LookupFunc) *Store {
	return &Store{lookup: lookup}
}

// FromEnviron creates a Store over the process environment. Only the
// command entry point should call it; everything below takes a *Store.
func FromEnviron() *Store {
	return New(os.LookupEnv)
}

// Resolve returns the credentials of the instance whose name equals name,
// falling back to the first instance whose label equals name, with labels
// taken in sorted order. An instance name bound twice is an error. The
// environment is re-read on every call.
func (s *Store) Resolve(name string) (*ServiceCredentials, error) {
	services, err := s.parse()
	if err != nil {
		return nil, err
	}

	var byName, byLabel *serviceInstance

	for _, label := range slices.Sorted(maps.Keys(services)) {
		instances := services[label]

		for i := range instances {
			inst := &instances[i]
			if inst.Label == "" {
				inst.Label = label
			}

			if inst.Name == name {
				if byName != nil {
					return nil, fmt.Errorf("%w: instance %q is bound under both %q and %q",
						ErrServiceUnavailable, name, byName.Label, inst.Label)
				}

				byName = inst
			}

			if byLabel == nil && inst.Label == name {
				byLabel = inst
			}
		}
	}

	if byName != nil {
		return byName.toCredentials(), nil
	}

	if byLabel != nil {
		return byLabel.toCredentials(), nil
	}

	return nil, fmt.Errorf("%w: no binding named %q", ErrServiceUnavailable, name)
}

// parse decodes VCAP_SERVICES.
func (s *Store) parse() (map[string][]serviceInstance, error) {
	raw, ok := s.lookup(EnvServices)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrServiceUnavailable, EnvServices)
	}

	var services map[string][]serviceInstance
	if err := json.Unmarshal([]byte(raw), &services); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrServiceUnavailable, EnvServices, err) //nolint:errorlint // sentinel is the wrapped error
	}

	return services, nil
}

func (inst *serviceInstance) toCredentials() *ServiceCredentials {
	return &ServiceCredentials{
		Name:         inst.Name,
		Label:        inst.Label,
		IssuerURL:    strings.TrimRight(inst.Credentials.URL, "/"),
		ClientID:     inst.Credentials.ClientID,
		ClientSecret: inst.Credentials.ClientSecret,
		URI:          strings.TrimRight(inst.Credentials.URI, "/"),
		ProxyHost:    inst.Credentials.ProxyHost,
		ProxyPort:    string(inst.Credentials.ProxyPort),
	}
}

// Names are the instance names of the three services a gateway call needs.
type Names struct {
	Identity     string
	Destination  string
	Connectivity string
}

// DefaultNames returns the conventional binding names.
func DefaultNames() Names {
	return Names{
		Identity:     "uaa",
		Destination:  "destination",
		Connectivity: "connectivity",
	}
}

// Bindings holds the three resolved services of one gateway call.
type Bindings struct {
	Identity     *ServiceCredentials
	Destination  *ServiceCredentials
	Connectivity *ServiceCredentials
}

// ResolveAll resolves and checks all three bindings. Partial availability
// is a hard failure: the first missing or incomplete binding is returned.
func (s *Store) ResolveAll(names Names) (*Bindings, error) {
	identity, err := s.Resolve(names.Identity)
	if err != nil {
		return nil, err
	}

	dest, err := s.Resolve(names.Destination)
	if err != nil {
		return nil, err
	}

	conn, err := s.Resolve(names.Connectivity)
	if err != nil {
		return nil, err
	}

	b := &Bindings{Identity: identity, Destination: dest, Connectivity: conn}
	if err := b.validate(); err != nil {
		return nil, err
	}

	return b, nil
}

// validate enforces the fields each role needs.
func (b *Bindings) validate() error {
	var missing []string

	require := func(svc *ServiceCredentials, field, value string) {
		if value == "" {
			missing = append(missing, svc.Name+"."+field)
		}
	}

	require(b.Identity, "url", b.Identity.IssuerURL)
	require(b.Destination, "uri", b.Destination.URI)
	require(b.Destination, "clientid", b.Destination.ClientID)
	require(b.Destination, "clientsecret", b.Destination.ClientSecret)
	require(b.Connectivity, "clientid", b.Connectivity.ClientID)
	require(b.Connectivity, "clientsecret", b.Connectivity.ClientSecret)
	require(b.Connectivity, "onpremise_proxy_host", b.Connectivity.ProxyHost)
	require(b.Connectivity, "onpremise_proxy_port", b.Connectivity.ProxyPort)

	if len(missing) > 0 {
		return fmt.Errorf("%w: incomplete credentials, missing %s",
			ErrServiceUnavailable, strings.Join(missing, ", "))
	}

	if _, err := strconv.Atoi(b.Connectivity.ProxyPort); err != nil {
		return fmt.Errorf("%w: invalid onpremise_proxy_port %q", ErrServiceUnavailable, b.Connectivity.ProxyPort)
	}

	return nil
}
