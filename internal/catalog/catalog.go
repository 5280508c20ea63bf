package catalog

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Catalog is the read-only view of the product-status service the Listener
// and DataLoader depend on. The Kafka/HTTP event stream the real service
// publishes to is a separate, out-of-scope collaborator (the bus); Catalog
// only covers synchronous lookups.
type Catalog interface {
	// DataInstance resolves a DataInstance by id.
	DataInstance(ctx context.Context, id string) (DataInstance, error)
	// Data resolves a Data record by id, used to find the ProductInstance
	// a DataInstance belongs to.
	Data(ctx context.Context, id string) (Data, error)
	// ProductInstance resolves a ProductInstance by id.
	ProductInstance(ctx context.Context, id string) (ProductInstance, error)
	// DataInstancesOf lists every DataInstance belonging to pi.
	DataInstancesOf(ctx context.Context, pi ProductInstance) ([]DataInstance, error)
	// LatestProductInstances returns up to n ProductInstances of product,
	// ordered by reference time descending.
	LatestProductInstances(ctx context.Context, product string, n int) ([]ProductInstance, error)
}

// Client is an HTTP/JSON Catalog client against the real product-status
// service.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// Config controls how Client talks to the product-status service.
type Config struct {
	BaseURL   string
	VerifySSL bool
}

// NewClient builds a Client. Disabling VerifySSL is only ever appropriate
// against a development instance; it is exposed because [productstatus]
// verify_ssl is a documented configuration key.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	transport := &http.Transport{}
	if !cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: 30 * time.Second, Transport: transport},
		log:     log.With().Str("client", "productstatus-catalog").Logger(),
	}
}

type dataInstanceDTO struct {
	ID             string `json:"id"`
	DataID         string `json:"data"`
	URL            string `json:"url"`
	ServiceBackend string `json:"servicebackend"`
	DataFormat     string `json:"format"`
	Version        int    `json:"version"`
}

type dataDTO struct {
	ID                string `json:"id"`
	ProductInstanceID string `json:"productinstance"`
}

type productInstanceDTO struct {
	ID            string                     `json:"id"`
	Product       string                     `json:"product"`
	ReferenceTime string                     `json:"reference_time"`
	Version       int                        `json:"version"`
	Complete      map[string]map[string]bool `json:"complete"`
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// DataInstance implements Catalog.
func (c *Client) DataInstance(ctx context.Context, id string) (DataInstance, error) {
	var dto dataInstanceDTO
	if err := c.get(ctx, "/api/v1/datainstance/"+id+"/", &dto); err != nil {
		return DataInstance{}, err
	}
	return DataInstance{
		ID:             dto.ID,
		DataID:         dto.DataID,
		URL:            dto.URL,
		ServiceBackend: dto.ServiceBackend,
		DataFormat:     dto.DataFormat,
		Version:        dto.Version,
	}, nil
}

// Data implements Catalog.
func (c *Client) Data(ctx context.Context, id string) (Data, error) {
	var dto dataDTO
	if err := c.get(ctx, "/api/v1/data/"+id+"/", &dto); err != nil {
		return Data{}, err
	}
	return Data{ID: dto.ID, ProductInstanceID: dto.ProductInstanceID}, nil
}

// ProductInstance implements Catalog.
func (c *Client) ProductInstance(ctx context.Context, id string) (ProductInstance, error) {
	var dto productInstanceDTO
	if err := c.get(ctx, "/api/v1/productinstance/"+id+"/", &dto); err != nil {
		return ProductInstance{}, err
	}
	return toProductInstance(dto)
}

// DataInstancesOf implements Catalog.
func (c *Client) DataInstancesOf(ctx context.Context, pi ProductInstance) ([]DataInstance, error) {
	var dtos []dataInstanceDTO
	if err := c.get(ctx, "/api/v1/datainstance/?data__productinstance="+pi.ID, &dtos); err != nil {
		return nil, err
	}
	out := make([]DataInstance, 0, len(dtos))
	for _, dto := range dtos {
		out = append(out, DataInstance{
			ID:             dto.ID,
			DataID:         dto.DataID,
			URL:            dto.URL,
			ServiceBackend: dto.ServiceBackend,
			DataFormat:     dto.DataFormat,
			Version:        dto.Version,
		})
	}
	return out, nil
}

// LatestProductInstances implements Catalog.
func (c *Client) LatestProductInstances(ctx context.Context, product string, n int) ([]ProductInstance, error) {
	var dtos []productInstanceDTO
	path := fmt.Sprintf("/api/v1/productinstance/?product=%s&order_by=-reference_time&limit=%d", product, n)
	if err := c.get(ctx, path, &dtos); err != nil {
		return nil, err
	}
	out := make([]ProductInstance, 0, len(dtos))
	for _, dto := range dtos {
		pi, err := toProductInstance(dto)
		if err != nil {
			c.log.Warn().Err(err).Str("productinstance", dto.ID).Msg("skipping unparseable productinstance")
			continue
		}
		out = append(out, pi)
	}
	return out, nil
}

func toProductInstance(dto productInstanceDTO) (ProductInstance, error) {
	refTime, err := time.Parse("2006-01-02T15:04:05Z", dto.ReferenceTime)
	if err != nil {
		return ProductInstance{}, fmt.Errorf("invalid reference_time %q for productinstance %s: %w", dto.ReferenceTime, dto.ID, err)
	}
	return ProductInstance{
		ID:            dto.ID,
		Product:       Product{ID: dto.Product},
		ReferenceTime: refTime.UTC(),
		Version:       dto.Version,
		Complete:      dto.Complete,
	}, nil
}
