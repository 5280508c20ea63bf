// Package wdb2ts is an HTTP client to a time-series service: it fetches
// status XML per configured service and posts update requests once a
// product instance is ready to be queried.
package wdb2ts

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/metno/syncer/internal/catalog"
	"github.com/metno/syncer/internal/registry"
	"github.com/metno/syncer/internal/timeutil"
)

type statusXML struct {
	XMLName              xml.Name `xml:"status"`
	DefinedDataProviders struct {
		DataProvider []struct {
			Name string `xml:"name"`
		} `xml:"dataprovider"`
	} `xml:"defined_dataproviders"`
}

// Driver owns an HTTP session to a base URL and a fixed list of service
// names, caching each service's known data providers in memory.
type Driver struct {
	baseURL  string
	services []string
	http     *http.Client
	log      zerolog.Logger

	mu            sync.Mutex
	dataProviders map[string][]string // service -> data provider names
}

// New builds a Driver. Each of services is a WDB2TS service name reachable
// under baseURL.
func New(baseURL string, services []string, log zerolog.Logger) *Driver {
	return &Driver{
		baseURL:       strings.TrimRight(baseURL, "/"),
		services:      services,
		http:          &http.Client{Timeout: 30 * time.Second},
		log:           log.With().Str("component", "wdb2ts").Logger(),
		dataProviders: make(map[string][]string),
	}
}

// LoadStatus refreshes the cached data-provider list for every configured
// service.
func (d *Driver) LoadStatus(ctx context.Context) error {
	fresh := make(map[string][]string, len(d.services))
	for _, service := range d.services {
		providers, err := d.requestStatus(ctx, service)
		if err != nil {
			return err
		}
		if len(providers) == 0 {
			d.log.Warn().Str("service", service).Msg("WDB2TS data providers set to empty list")
		}
		fresh[service] = providers
	}

	d.mu.Lock()
	d.dataProviders = fresh
	d.mu.Unlock()
	return nil
}

func (d *Driver) requestStatus(ctx context.Context, service string) ([]string, error) {
	url := fmt.Sprintf("%s/%s?status", d.baseURL, service)
	d.log.Info().Str("service", service).Str("url", url).Msg("loading status information from WDB2TS")

	body, err := d.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var parsed statusXML
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, &MissingContentError{URL: url, Err: err}
	}

	names := make([]string, 0, len(parsed.DefinedDataProviders.DataProvider))
	for _, dp := range parsed.DefinedDataProviders.DataProvider {
		names = append(names, dp.Name)
	}
	return names, nil
}

// get issues a GET request and classifies the outcome: ≥500 is a
// service-unavailable error, ≥400 a client error, and transport failures a
// connection failure.
func (d *Driver) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", url, err)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, &ConnectionFailureError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body from %s: %w", url, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &ServiceUnavailableError{URL: url, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		return nil, &ClientErrorError{URL: url, StatusCode: resp.StatusCode}
	default:
		return body, nil
	}
}

// Update refreshes status and, for every service whose cached data
// providers include mc.DataProvider, posts an update request for pi.
func (d *Driver) Update(ctx context.Context, pi catalog.ProductInstance, mc *registry.ModelConfig) error {
	if err := d.LoadStatus(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	providers := d.dataProviders
	d.mu.Unlock()

	for service, names := range providers {
		if !contains(names, mc.DataProvider) {
			continue
		}
		if err := d.updateService(ctx, service, pi, mc); err != nil {
			return err
		}
	}
	d.log.Info().Msg("wdb2ts updated")
	return nil
}

func (d *Driver) updateService(ctx context.Context, service string, pi catalog.ProductInstance, mc *registry.ModelConfig) error {
	updateURL := fmt.Sprintf("%s/%supdate?%s=%s,%d",
		d.baseURL, service, mc.DataProvider, timeutil.FormatISO8601(pi.ReferenceTime), pi.Version)
	d.log.Info().Str("url", updateURL).Msg("update URL")

	body, err := d.get(ctx, updateURL)
	if err != nil {
		var serviceUnavailable *ServiceUnavailableError
		var connectionFailure *ConnectionFailureError
		var clientErr *ClientErrorError
		switch {
		case errors.As(err, &serviceUnavailable), errors.As(err, &connectionFailure):
			return &ServerUpdateFailureError{URL: updateURL, Err: err}
		case errors.As(err, &clientErr):
			return &ClientUpdateFailureError{URL: updateURL, Err: err}
		default:
			return err
		}
	}

	response := string(body)
	switch {
	case strings.Contains(response, "NoNewDataRefTime"):
		d.log.Info().Str("url", updateURL).Msg("WDB2TS already up to date")
	case strings.Contains(response, "Updated"):
		d.log.Info().Str("url", updateURL).Msg("WDB2TS updated successfully")
	default:
		d.log.Info().Str("url", updateURL).Str("response", response).Msg("unknown response from WDB2TS")
	}
	return nil
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}
