// infer/loader/stats.go
package loader

import "github.com/sirupsen/logrus"

// MemoryStats is a point-in-time snapshot of the loader's residency.
type MemoryStats struct {
	TotalModelBytes uint64
	CurrentBytes    uint64
	PeakBytes       uint64
	BudgetBytes     uint64
	LoadedCount     int
	TotalCount      int
	AvgLoadMillis   float64
	Pattern         UsagePattern
}

// Log writes a one-line summary at info level.
func (m MemoryStats) Log() {
	logrus.Infof("loader: %d/%d layers resident, %d/%d bytes (peak %d), avg load %.3fms, pattern=%s",
		m.LoadedCount, m.TotalCount, m.CurrentBytes, m.BudgetBytes, m.PeakBytes, m.AvgLoadMillis, m.Pattern)
}
