// Package catalogtest provides an in-memory catalog.Catalog used by the
// loader and listener test suites instead of a mocking framework, favoring
// a real implementation over doubles wherever practical.
package catalogtest

import (
	"context"
	"fmt"
	"sort"

	"github.com/metno/syncer/internal/catalog"
)

// Catalog is a fully in-memory catalog.Catalog.
type Catalog struct {
	ProductInstances map[string]catalog.ProductInstance
	DataInstances    map[string]catalog.DataInstance
	DataRecords      map[string]catalog.Data
	// ByProductInstance indexes data instance ids belonging to each
	// product instance id.
	ByProductInstance map[string][]string
}

// New builds an empty fake catalog.
func New() *Catalog {
	return &Catalog{
		ProductInstances:  make(map[string]catalog.ProductInstance),
		DataInstances:     make(map[string]catalog.DataInstance),
		DataRecords:       make(map[string]catalog.Data),
		ByProductInstance: make(map[string][]string),
	}
}

// AddProductInstance registers pi for later lookup.
func (c *Catalog) AddProductInstance(pi catalog.ProductInstance) {
	c.ProductInstances[pi.ID] = pi
}

// AddDataInstance registers di and indexes it, and its owning Data
// record, under productInstanceID.
func (c *Catalog) AddDataInstance(productInstanceID string, di catalog.DataInstance) {
	c.DataInstances[di.ID] = di
	c.ByProductInstance[productInstanceID] = append(c.ByProductInstance[productInstanceID], di.ID)
	c.DataRecords[di.DataID] = catalog.Data{ID: di.DataID, ProductInstanceID: productInstanceID}
}

// DataInstance implements catalog.Catalog.
func (c *Catalog) DataInstance(_ context.Context, id string) (catalog.DataInstance, error) {
	di, ok := c.DataInstances[id]
	if !ok {
		return catalog.DataInstance{}, fmt.Errorf("fake catalog: no such data instance %s", id)
	}
	return di, nil
}

// Data implements catalog.Catalog.
func (c *Catalog) Data(_ context.Context, id string) (catalog.Data, error) {
	d, ok := c.DataRecords[id]
	if !ok {
		return catalog.Data{}, fmt.Errorf("fake catalog: no such data record %s", id)
	}
	return d, nil
}

// ProductInstance implements catalog.Catalog.
func (c *Catalog) ProductInstance(_ context.Context, id string) (catalog.ProductInstance, error) {
	pi, ok := c.ProductInstances[id]
	if !ok {
		return catalog.ProductInstance{}, fmt.Errorf("fake catalog: no such product instance %s", id)
	}
	return pi, nil
}

// DataInstancesOf implements catalog.Catalog.
func (c *Catalog) DataInstancesOf(_ context.Context, pi catalog.ProductInstance) ([]catalog.DataInstance, error) {
	ids := c.ByProductInstance[pi.ID]
	out := make([]catalog.DataInstance, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.DataInstances[id])
	}
	return out, nil
}

// LatestProductInstances implements catalog.Catalog.
func (c *Catalog) LatestProductInstances(_ context.Context, product string, n int) ([]catalog.ProductInstance, error) {
	var matches []catalog.ProductInstance
	for _, pi := range c.ProductInstances {
		if pi.Product.ID == product {
			matches = append(matches, pi)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].ReferenceTime.After(matches[j].ReferenceTime)
	})
	if len(matches) > n {
		matches = matches[:n]
	}
	return matches, nil
}
