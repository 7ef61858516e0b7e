package aggregator

import (
	"context"
	"time"

	"procodus.dev/eems/internal/store"
	"procodus.dev/eems/pkg/telemetry"
)

// snapshotPower writes every known RTU's ActivePower into the current
// ten-minute slot.
func (a *Aggregator) snapshotPower(ctx context.Context, now time.Time) {
	date, slot, ok := a.schedule.powerSlot(now)
	if !ok {
		return
	}

	ids := a.registry.KnownRTUIDs()
	if len(ids) == 0 {
		a.logger.Warn("no device data received, writing zero reading", "rtu_id", a.defaultRTUID, "date", date, "slot", slot)
		zero := telemetry.Zero(a.defaultRTUID, telemetry.UnknownCustomer)
		a.isolate(pipelinePower, a.defaultRTUID, func() {
			a.writePower(ctx, a.defaultRTUID, zero, date, slot, now)
		})
		return
	}

	for _, id := range ids {
		a.isolate(pipelinePower, id, func() {
			if ctx.Err() != nil {
				return
			}
			a.writePower(ctx, id, a.pick(pipelinePower, id, now, nil), date, slot, now)
		})
	}
}

func (a *Aggregator) writePower(ctx context.Context, rtuID string, reading *telemetry.Reading, date, slot string, now time.Time) {
	key := date + " " + slot
	if err := a.markers.Claim(rtuID, KindPower, key); err != nil {
		a.skipped(pipelinePower, skipReason(err))
		return
	}
	defer a.markers.Release(rtuID, KindPower, key)

	updates := powerUpdates(rtuID, reading, date, slot, now)
	if len(updates) == 0 {
		a.skipped(pipelinePower, "empty")
		return
	}

	if a.commit(ctx, pipelinePower, rtuID, KindPower, key, updates) {
		a.logger.Info("active power saved", "rtu_id", rtuID, "date", date, "slot", slot)
	}
}

func powerUpdates(rtuID string, reading *telemetry.Reading, date, slot string, now time.Time) []store.Update {
	present := reading.Present()
	updates := make([]store.Update, 0, 2*len(present))
	for _, c := range present {
		doc := store.DocRef{Collection: string(c), ID: date}
		updates = append(updates,
			store.Update{Doc: doc, Path: []string{rtuID, "ActivePower", slot}, Value: reading.Load(c).ActivePower.Float()},
			store.Update{Doc: doc, Path: []string{rtuID, "updatedAt"}, Value: now.UTC()},
		)
	}
	return updates
}
