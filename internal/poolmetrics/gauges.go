package poolmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	accountdomain "github.com/smallbiznis/slotbroker/internal/account/domain"
)

// Gauges holds the pool capacity projection. It lives on its own registry so
// the same families can be scraped and pushed.
type Gauges struct {
	registry *prometheus.Registry

	accounts   *prometheus.GaugeVec
	slots      *prometheus.GaugeVec
	snapshotAt prometheus.Gauge
}

func NewGauges() *Gauges {
	g := &Gauges{
		registry: prometheus.NewRegistry(),
		accounts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "slotbroker_pool_accounts",
			Help: "Shared accounts per platform by state",
		}, []string{"platform_id", "state"}),
		slots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "slotbroker_pool_slots",
			Help: "Profile slots per platform by state",
		}, []string{"platform_id", "state"}),
		snapshotAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slotbroker_pool_snapshot_timestamp_seconds",
			Help: "Unix time of the last pool snapshot",
		}),
	}
	g.registry.MustRegister(g.accounts, g.slots, g.snapshotAt)
	return g
}

func (g *Gauges) Registry() *prometheus.Registry {
	if g == nil {
		return nil
	}
	return g.registry
}

// Update replaces every series with the given capacity rows, so platforms
// that disappeared stop reporting.
func (g *Gauges) Update(rows []accountdomain.PlatformCapacity, at time.Time) {
	if g == nil {
		return
	}
	g.accounts.Reset()
	g.slots.Reset()
	for _, row := range rows {
		platform := row.PlatformID.String()
		g.accounts.WithLabelValues(platform, "total").Set(float64(row.AccountsTotal))
		g.accounts.WithLabelValues(platform, "active").Set(float64(row.AccountsActive))
		g.accounts.WithLabelValues(platform, "available").Set(float64(row.AccountsAvailable))

		bound := row.SlotsTotal - row.SlotsFree
		if bound < 0 {
			bound = 0
		}
		g.slots.WithLabelValues(platform, "total").Set(float64(row.SlotsTotal))
		g.slots.WithLabelValues(platform, "free").Set(float64(row.SlotsFree))
		g.slots.WithLabelValues(platform, "bound").Set(float64(bound))
	}
	g.snapshotAt.Set(float64(at.Unix()))
}
