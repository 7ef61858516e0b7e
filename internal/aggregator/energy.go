package aggregator

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"procodus.dev/eems/internal/store"
	"procodus.dev/eems/pkg/telemetry"
)

// SnapshotDaily runs the daily rollup for one RTU with the reading that
// just arrived. Outside the daily window it does nothing.
func (a *Aggregator) SnapshotDaily(ctx context.Context, rtuID string, reading *telemetry.Reading, now time.Time) {
	if !a.schedule.inDailyWindow(now) {
		return
	}
	a.isolate(pipelineEnergy, rtuID, func() {
		a.writeEnergy(ctx, rtuID, reading, now)
	})
}

// rollupEnergy runs the daily rollup for every known RTU.
func (a *Aggregator) rollupEnergy(ctx context.Context, now time.Time) {
	if !a.schedule.inDailyWindow(now) {
		return
	}
	for _, id := range a.registry.KnownRTUIDs() {
		a.isolate(pipelineEnergy, id, func() {
			if ctx.Err() != nil {
				return
			}
			a.writeEnergy(ctx, id, nil, now)
		})
	}
}

func (a *Aggregator) writeEnergy(ctx context.Context, rtuID string, fresh *telemetry.Reading, now time.Time) {
	date := a.schedule.date(now)
	if err := a.markers.Claim(rtuID, KindEnergy, date); err != nil {
		a.skipped(pipelineEnergy, skipReason(err))
		return
	}
	defer a.markers.Release(rtuID, KindEnergy, date)

	reading := a.pick(pipelineEnergy, rtuID, now, fresh)
	present := reading.Present()
	if len(present) == 0 {
		a.skipped(pipelineEnergy, "empty")
		return
	}

	// The durable document is the authority across restarts; the marker
	// only covers this process.
	probe := store.DocRef{Collection: string(present[0]), ID: date}
	doc, ok, err := a.store.Get(ctx, probe)
	if err != nil {
		a.storeFailed(pipelineEnergy, rtuID, date, fmt.Errorf("probe %s: %w", probe, err))
		return
	}
	if ok {
		if _, saved := doc.Lookup(rtuID, "energy"); saved {
			a.markers.Commit(rtuID, KindEnergy, date)
			a.skipped(pipelineEnergy, "stored")
			a.logger.Info("daily energy already saved", "rtu_id", rtuID, "date", date)
			return
		}
	}

	updates, err := a.energyUpdates(ctx, rtuID, reading, present, date, now)
	if err != nil {
		a.storeFailed(pipelineEnergy, rtuID, date, err)
		return
	}

	if a.commit(ctx, pipelineEnergy, rtuID, KindEnergy, date, updates) {
		a.logger.Info("daily energy submitted", "rtu_id", rtuID, "date", date, "mode", a.reducer.Name())
	}
}

func (a *Aggregator) energyUpdates(ctx context.Context, rtuID string, reading *telemetry.Reading, present []telemetry.Category, date string, now time.Time) ([]store.Update, error) {
	var updates []store.Update
	for _, c := range present {
		fields, err := a.reducer.Reduce(ctx, EnergyRequest{
			Store:    a.store,
			Load:     reading.Load(c),
			Location: a.schedule.loc,
			RTUID:    rtuID,
			Date:     date,
			Category: c,
		})
		if err != nil {
			return nil, fmt.Errorf("reduce %s energy: %w", c, err)
		}

		doc := store.DocRef{Collection: string(c), ID: date}
		for _, name := range slices.Sorted(maps.Keys(fields)) {
			updates = append(updates, store.Update{Doc: doc, Path: []string{rtuID, "energy", name}, Value: fields[name]})
		}
		updates = append(updates, store.Update{Doc: doc, Path: []string{rtuID, "timestamp"}, Value: now.UTC()})
	}
	return updates, nil
}
