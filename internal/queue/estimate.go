package queue

import (
	"context"
	"time"
)

const (
	DefaultServiceTime    = 180 * time.Second
	DefaultEstimateWindow = 5
)

// Estimate is the expected time one customer spends at the station, taken
// from the most recent completed waits.
type Estimate struct {
	StationID  string  `json:"station_id"`
	Seconds    float64 `json:"seconds"`
	SampleSize int     `json:"sample_size"`
	Default    bool    `json:"default"`
}

func (e Estimate) WaitFor(position int) int64 {
	if position <= 0 {
		return 0
	}
	return int64(float64(position) * e.Seconds)
}

func (e *Engine) Estimate(ctx context.Context, stationID string) (Estimate, error) {
	ctx, span := e.tracer.Start(ctx, "queue.Estimate")
	defer span.End()

	if _, err := e.store.GetStation(ctx, stationID); err != nil {
		return Estimate{}, storageError(err, "station %s", stationID)
	}
	return e.estimate(ctx, stationID)
}

func (e *Engine) estimate(ctx context.Context, stationID string) (Estimate, error) {
	waits, err := e.store.RecentWaits(ctx, stationID, e.opts.EstimateWindow)
	if err != nil {
		return Estimate{}, storageError(err, "recent waits for station %s", stationID)
	}
	estimate := Estimate{StationID: stationID, SampleSize: len(waits)}
	if len(waits) < e.opts.EstimateWindow {
		estimate.Seconds = e.opts.DefaultServiceTime.Seconds()
		estimate.Default = true
		return estimate, nil
	}
	var total int64
	for _, wait := range waits {
		total += wait
	}
	estimate.Seconds = float64(total) / float64(len(waits))
	return estimate, nil
}
