package models

type WorkerMetrics struct {
	WorkerID     string
	WorkerKind   string  // bria / fal
	AvgLatencyMs float64 // exponential moving average of render round-trips
	JobsDone     int64
}
