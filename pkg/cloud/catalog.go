package cloud

import (
	"fmt"
)

// Endpoint is one regional endpoint of a catalog service.
type Endpoint struct {
	Region    string `json:"region"`
	PublicURL string `json:"publicURL"`
}

// CatalogEntry is one service in an identity service catalog.
type CatalogEntry struct {
	Name      string     `json:"name"`
	Type      string     `json:"type"`
	Endpoints []Endpoint `json:"endpoints"`
}

// ServiceCatalog is the list of services returned by the identity API at
// authentication time.
type ServiceCatalog []CatalogEntry

// PublicEndpointURL returns the public URL of the first endpoint matching
// the service name and region. A missing endpoint is a hard failure; there
// is no sensible fallback region.
func (c ServiceCatalog) PublicEndpointURL(serviceName, region string) (string, error) {
	for _, service := range c {
		if service.Name != serviceName {
			continue
		}
		for _, endpoint := range service.Endpoints {
			if endpoint.Region == region {
				return endpoint.PublicURL, nil
			}
		}
	}
	return "", fmt.Errorf("no endpoint for service %q in region %q", serviceName, region)
}
