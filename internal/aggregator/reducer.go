package aggregator

import (
	"context"
	"fmt"
	"time"

	"procodus.dev/eems/internal/store"
	"procodus.dev/eems/pkg/telemetry"
)

// Energy reduction modes.
const (
	EnergyRaw   = "raw"
	EnergyDelta = "delta"
)

// EnergyRequest describes one category of one RTU's daily rollup.
type EnergyRequest struct {
	Store    store.Store
	Load     *telemetry.Load
	Location *time.Location
	RTUID    string
	Date     string
	Category telemetry.Category
}

// EnergyReducer turns a reading's counters into the fields stored under
// <rtu>.energy.
type EnergyReducer interface {
	Name() string
	Reduce(ctx context.Context, req EnergyRequest) (map[string]any, error)
}

// NewEnergyReducer returns the reducer for mode.
func NewEnergyReducer(mode string) (EnergyReducer, error) {
	switch mode {
	case "", EnergyRaw:
		return RawEnergy{}, nil
	case EnergyDelta:
		return DeltaEnergy{}, nil
	default:
		return nil, fmt.Errorf("unknown energy mode %q (want %s or %s)", mode, EnergyRaw, EnergyDelta)
	}
}

// RawEnergy stores the cumulative monthly and yearly counters as reported.
type RawEnergy struct{}

func (RawEnergy) Name() string { return EnergyRaw }

func (RawEnergy) Reduce(_ context.Context, req EnergyRequest) (map[string]any, error) {
	return map[string]any{
		"monthly": req.Load.EnergyMonthly.Float(),
		"yearly":  req.Load.EnergyYearly.Float(),
	}, nil
}

// DeltaEnergy stores the raw counters plus "daily", the growth of the yearly
// counter since the previous day's stored value. Without a previous value,
// or when the counter went backwards, daily is 0.
type DeltaEnergy struct{}

func (DeltaEnergy) Name() string { return EnergyDelta }

func (DeltaEnergy) Reduce(ctx context.Context, req EnergyRequest) (map[string]any, error) {
	fields, _ := RawEnergy{}.Reduce(ctx, req)
	fields["daily"] = 0.0

	prevDate, err := previousDate(req.Date, req.Location)
	if err != nil {
		return nil, fmt.Errorf("previous date of %s: %w", req.Date, err)
	}

	prev, ok, err := req.Store.Get(ctx, store.DocRef{Collection: string(req.Category), ID: prevDate})
	if err != nil {
		return nil, fmt.Errorf("read previous energy: %w", err)
	}
	if !ok {
		return fields, nil
	}
	if yearly, ok := prev.Float(req.RTUID, "energy", "yearly"); ok {
		fields["daily"] = max(req.Load.EnergyYearly.Float()-yearly, 0)
	}
	return fields, nil
}
