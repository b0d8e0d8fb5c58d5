// Package destination looks up named destinations in the destination
// catalog service.
package destination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tonimelisma/sccgate/internal/oauth"
)

// ProtectedMarker replaces the password in every diagnostic rendering.
const ProtectedMarker = "--protected--"

const (
	lookupPath      = "/destination-configuration/v1/destinations/"
	maxErrorBodyLen = 512
)

// Sentinel errors. Use errors.Is to check.
var (
	ErrDestinationNotFound = errors.New("destination: not found")
	ErrResolveFailed       = errors.New("destination: resolve failed")
)

// Destination is the resolved configuration of one named target.
type Destination struct {
	Name                     string
	URL                      string
	User                     string
	Password                 string
	CloudConnectorLocationID string
	ProxyType                string
	Authentication           string
}

// Redacted returns a copy whose password is replaced by ProtectedMarker.
func (d *Destination) Redacted() Destination {
	c := *d
	if c.Password != "" {
		c.Password = ProtectedMarker
	}

	return c
}

// String renders the destination with the password redacted.
func (d *Destination) String() string {
	r := d.Redacted()

	return fmt.Sprintf("Destination{name=%s, url=%s, user=%s, password=%s, location=%s, proxy=%s, auth=%s}",
		r.Name, r.URL, r.User, r.Password, r.CloudConnectorLocationID, r.ProxyType, r.Authentication)
}

// LogValue implements slog.LogValuer.
func (d *Destination) LogValue() slog.Value {
	r := d.Redacted()

	return slog.GroupValue(
		slog.String("name", r.Name),
		slog.String("url", r.URL),
		slog.String("user", r.User),
		slog.String("password", r.Password),
		slog.String("location_id", r.CloudConnectorLocationID),
		slog.String("proxy_type", r.ProxyType),
		slog.String("authentication", r.Authentication),
	)
}

// configuration is the destinationConfiguration object of a lookup response.
type configuration struct {
	Name                     string `json:"Name"`
	URL                      string `json:"URL"`
	User                     string `json:"User"`
	Password                 string `json:"Password"`
	CloudConnectorLocationID string `json:"CloudConnectorLocationId"`
	ProxyType                string `json:"ProxyType"`
	Authentication           string `json:"Authentication"`
}

type lookupResponse struct {
	Configuration *configuration `json:"destinationConfiguration"`
}

// Resolver fetches destination configurations.
type Resolver struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewResolver creates a Resolver. A nil httpClient falls back to
// http.DefaultClient.
func NewResolver(httpClient *http.Client, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Resolver{httpClient: httpClient, logger: logger}
}

// Resolve looks up name in the catalog at serviceURI using a destination
// service token.
func (r *Resolver) Resolve(ctx context.Context, serviceURI, name string, token *oauth.Token) (*Destination, error) {
	if token == nil || token.Value == "" {
		return nil, fmt.Errorf("%w: %q: no destination token", ErrResolveFailed, name)
	}

	endpoint := strings.TrimRight(serviceURI, "/") + lookupPath + url.PathEscape(name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: building request: %w", ErrResolveFailed, name, err)
	}

	req.Header.Set("Authorization", "Bearer "+token.Value)
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrResolveFailed, name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: reading response: %w", ErrResolveFailed, name, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %q", ErrDestinationNotFound, name)
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		return nil, fmt.Errorf("%w: %q: HTTP %d: %s", ErrResolveFailed, name, resp.StatusCode, truncate(body))
	}

	var decoded lookupResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %q: decoding response: %w", ErrResolveFailed, name, err)
	}

	if decoded.Configuration == nil || decoded.Configuration.URL == "" {
		return nil, fmt.Errorf("%w: %q: response has no URL", ErrResolveFailed, name)
	}

	c := decoded.Configuration
	d := &Destination{
		Name:                     c.Name,
		URL:                      c.URL,
		User:                     c.User,
		Password:                 c.Password,
		CloudConnectorLocationID: c.CloudConnectorLocationID,
		ProxyType:                c.ProxyType,
		Authentication:           c.Authentication,
	}

	if d.Name == "" {
		d.Name = name
	}

	r.logger.Debug("destination resolved", slog.Any("destination", d))

	return d, nil
}

// truncate bounds an error body. Catalog error bodies never carry the
// password of the destination being looked up.
func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBodyLen {
		return s[:maxErrorBodyLen] + "..."
	}

	return s
}
