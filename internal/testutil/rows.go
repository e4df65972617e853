package testutil

import (
	"fmt"
	"math"
	"time"

	"github.com/telemetryops/tslc/pkg/engine"
)

// TelemetryRows generates deterministic equipment telemetry: one row per
// step per machine, with a sine-wave value so aggregates have non-trivial
// answers
func TelemetryRows(start time.Time, step time.Duration, count, machines int) []engine.Row {
	rows := make([]engine.Row, 0, count*machines)

	for i := 0; i < count; i++ {
		ts := start.Add(time.Duration(i) * step)

		for m := 0; m < machines; m++ {
			rows = append(rows, engine.Row{
				"time":         ts,
				"equipment_id": fmt.Sprintf("press-%02d", m+1),
				"value":        math.Sin(float64(i)/10) * 100,
				"counter":      int64(i),
			})
		}
	}

	return rows
}
