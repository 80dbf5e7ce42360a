// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package monitoring

import (
	"time"
)

// Reading is one sample of instantaneous site power in kilowatts.
// A Reading is never modified after it is built; sinks receive a pointer
// but only read from it.
type Reading struct {
	SiteKey       string
	Timestamp     time.Time // Time reported by the vendor for the sample
	PolledAt      time.Time // Time the request was issued
	ProductionKW  float64
	ConsumptionKW float64
	GridKW        float64  // Sign convention is the vendor's
	StorageKW     *float64 // nil when the site has no battery
}

// HasStorage reports whether the site reported a storage value.
func (r *Reading) HasStorage() bool {
	return r.StorageKW != nil
}

// Time returns the poll time when usePollTime is set, otherwise the
// server-reported time. Falls back to the poll time if the server time
// is missing.
func (r *Reading) Time(usePollTime bool) time.Time {
	if usePollTime || r.Timestamp.IsZero() {
		return r.PolledAt
	}
	return r.Timestamp
}

// Float64 returns a pointer to v. Used to build optional storage values.
func Float64(v float64) *float64 {
	return &v
}

// EnergyTotals holds energy in kilowatt-hours integrated over a series of
// readings.
type EnergyTotals struct {
	ProductionKWh  float64
	ConsumptionKWh float64
	GridKWh        float64
	StorageKWh     float64
	Samples        int
}

// IntegrateEnergy converts power samples taken every interval into energy,
// treating each sample as constant power for the whole interval:
// kWh = Σ kW * interval/1h.
func IntegrateEnergy(readings []*Reading, interval time.Duration) EnergyTotals {
	var totals EnergyTotals
	hours := interval.Hours()
	for _, r := range readings {
		if r == nil {
			continue
		}
		totals.ProductionKWh += r.ProductionKW * hours
		totals.ConsumptionKWh += r.ConsumptionKW * hours
		totals.GridKWh += r.GridKW * hours
		if r.StorageKW != nil {
			totals.StorageKWh += *r.StorageKW * hours
		}
		totals.Samples++
	}
	return totals
}
