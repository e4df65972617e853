package benchmark

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/telemetryops/tslc/pkg/engine"
)

// LatencyStats summarizes the timed repetitions of one query
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	Median time.Duration `json:"median"`
	P95    time.Duration `json:"p95"`
}

// QueryResult is the outcome of one battery query
type QueryResult struct {
	Name string `json:"name"`
	// Rows is the result size of the final repetition
	Rows      int           `json:"rows"`
	Stats     LatencyStats  `json:"stats"`
	Threshold time.Duration `json:"threshold,omitempty"`
	Exceeded  bool          `json:"exceeded,omitempty"`
}

// Report is the machine-readable benchmark outcome
type Report struct {
	Hypertable  string            `json:"hypertable"`
	Aggregate   string            `json:"aggregate,omitempty"`
	GeneratedAt time.Time         `json:"generatedAt"`
	Warmup      int               `json:"warmup"`
	Repetitions int               `json:"repetitions"`
	Storage     engine.TableStats `json:"storage"`
	Queries     []QueryResult     `json:"queries"`
	Failed      int               `json:"failed"`
}

// Err returns ErrThresholdExceeded when any query missed its target
func (r *Report) Err() error {
	if r.Failed > 0 {
		return fmt.Errorf("%w: %d of %d queries", ErrThresholdExceeded, r.Failed, len(r.Queries))
	}

	return nil
}

// WriteJSON writes the machine-readable report
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	return nil
}

// Summary writes the human-readable report
func (r *Report) Summary(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "benchmark %s (%d reps, %d warmup)\n", r.Hypertable, r.Repetitions, r.Warmup); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "storage: %d chunks (%d compressed), %d rows, %d bytes\n",
		r.Storage.Chunks, r.Storage.CompressedChunks, r.Storage.Rows, r.Storage.Bytes); err != nil {
		return err
	}

	for _, q := range r.Queries {
		verdict := ""

		switch {
		case q.Exceeded:
			verdict = fmt.Sprintf("  EXCEEDED target %s", q.Threshold)
		case q.Threshold > 0:
			verdict = fmt.Sprintf("  within target %s", q.Threshold)
		}

		if _, err := fmt.Fprintf(w, "%-28s rows=%-6d min=%-10s mean=%-10s median=%-10s p95=%-10s max=%s%s\n",
			q.Name, q.Rows, q.Stats.Min, q.Stats.Mean, q.Stats.Median, q.Stats.P95, q.Stats.Max, verdict); err != nil {
			return err
		}
	}

	return nil
}

// computeStats summarizes a non-empty set of durations. Percentiles use the
// nearest-rank method.
func computeStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}

	return LatencyStats{
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Mean:   total / time.Duration(len(sorted)),
		Median: percentile(sorted, 0.50),
		P95:    percentile(sorted, 0.95),
	}
}

// percentile expects sorted input
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(float64(len(sorted))*p+0.5) - 1
	if rank < 0 {
		rank = 0
	}

	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}

	return sorted[rank]
}
