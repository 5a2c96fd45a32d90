package acquisition

import (
	"github.com/banshee-data/fts.report/internal/config"
	"github.com/banshee-data/fts.report/internal/device"
)

// QualityGate decides whether a delivered batch is trustworthy. A batch is
// all or nothing: one over the limit drops every reading in it.
type QualityGate struct {
	MaxErrorCount  int
	MaxMissedCount int
}

// NewQualityGate reads the thresholds from cfg.
func NewQualityGate(cfg *config.AcquisitionConfig) QualityGate {
	return QualityGate{
		MaxErrorCount:  cfg.GetMaxErrorCount(),
		MaxMissedCount: cfg.GetMaxMissedCount(),
	}
}

// Accept reports whether batch passes. Both limits are inclusive.
func (g QualityGate) Accept(batch device.SampleBatch) bool {
	return batch.ErrorCount <= g.MaxErrorCount && batch.MissedCount <= g.MaxMissedCount
}
