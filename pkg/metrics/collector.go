package metrics

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/RackerWilliams/otter/pkg/storage"
)

// Collector periodically refreshes the tenant inventory gauges from the
// store. The tenant list comes from configuration; the store has no cheap
// way to enumerate tenants.
type Collector struct {
	store   storage.Store
	tenants []string
	log     zerolog.Logger
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store, tenants []string, log zerolog.Logger) *Collector {
	return &Collector{
		store:   store,
		tenants: tenants,
		log:     log.With().Str("component", "metrics").Logger(),
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, tenant := range c.tenants {
		counts, err := c.store.GetCounts(tenant)
		if err != nil {
			c.log.Error().Err(err).Str("tenant_id", tenant).Msg("failed to collect tenant counts")
			continue
		}
		GroupsTotal.WithLabelValues(tenant).Set(float64(counts.Groups))
		PoliciesTotal.WithLabelValues(tenant).Set(float64(counts.Policies))
		WebhooksTotal.WithLabelValues(tenant).Set(float64(counts.Webhooks))
	}
}
