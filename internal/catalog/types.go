// Package catalog models the external product-status metadata service: the
// Product / ProductInstance / Data / DataInstance hierarchy the daemon reads
// to resolve a bus event into concrete files, plus an HTTP client against
// the real service.
package catalog

import "time"

// Product names a kind of model output, e.g. "nordic-ec".
type Product struct {
	ID   string
	Slug string
}

// ProductInstance is one run of a Product, keyed by (product, reference
// time, version). Complete maps a service backend URI to a data format URI
// to a completeness flag.
type ProductInstance struct {
	ID            string
	Product       Product
	ReferenceTime time.Time
	Version       int
	Complete      map[string]map[string]bool
}

// IsComplete reports whether pi is marked complete for the given service
// backend and data format, treating a missing entry as false.
func (pi ProductInstance) IsComplete(servicebackend, dataformat string) bool {
	byFormat, ok := pi.Complete[servicebackend]
	if !ok {
		return false
	}
	return byFormat[dataformat]
}

// Data is a logical record belonging to a ProductInstance; it may be
// available as several DataInstances across redundant backends/formats.
type Data struct {
	ID                string
	ProductInstanceID string
}

// DataInstance is a concrete file, bound to a service backend and a data
// format, belonging to a Data.
type DataInstance struct {
	ID             string
	DataID         string
	URL            string
	ServiceBackend string
	DataFormat     string
	Version        int
}

// ServiceBackend identifies a redundant storage location for a Data.
type ServiceBackend struct {
	ID   string
	Slug string
}

// DataFormat identifies the encoding of a DataInstance, e.g. "netcdf".
type DataFormat struct {
	ID   string
	Slug string
}
