package scheduling

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Feature is an optional part of the appointments schema.
type Feature string

const (
	FeatureStatus         Feature = "status"
	FeatureAuditColumns   Feature = "auditColumns"
	FeatureVisitReference Feature = "visitReference"
)

const appointmentsTable = "appointments"

// Capabilities records which optional columns the connected schema has.
// A value is never mutated after detection; Refresh produces a new one with
// a higher Version.
type Capabilities struct {
	Status         bool      `json:"status"`
	AuditColumns   bool      `json:"audit_columns"`
	VisitReference bool      `json:"visit_reference"`
	Version        uint64    `json:"version"`
	DetectedAt     time.Time `json:"detected_at"`
}

// The accessors below treat a nil *Capabilities as the oldest schema.

func (c *Capabilities) HasStatus() bool         { return c != nil && c.Status }
func (c *Capabilities) HasAuditColumns() bool   { return c != nil && c.AuditColumns }
func (c *Capabilities) HasVisitReference() bool { return c != nil && c.VisitReference }

// Has reports support for a single feature.
func (c *Capabilities) Has(f Feature) bool {
	switch f {
	case FeatureStatus:
		return c.HasStatus()
	case FeatureAuditColumns:
		return c.HasAuditColumns()
	case FeatureVisitReference:
		return c.HasVisitReference()
	}
	return false
}

// Prober answers whether a column exists. Implementations must swallow
// probe failures and report them as false.
type Prober interface {
	HasColumn(ctx context.Context, table, column string) bool
}

// Detector computes Capabilities lazily, once per pool, and hands the same
// value to every caller until Refresh is called.
type Detector struct {
	prober Prober
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	current *Capabilities
	version uint64
}

func NewDetector(prober Prober, logger zerolog.Logger) *Detector {
	return &Detector{prober: prober, logger: logger, now: time.Now}
}

// NewStaticDetector returns a detector that always reports caps without
// probing storage.
func NewStaticDetector(caps Capabilities) *Detector {
	c := caps
	if c.Version == 0 {
		c.Version = 1
	}
	return &Detector{logger: zerolog.Nop(), now: time.Now, current: &c, version: c.Version}
}

// Detect probes a single feature right now, bypassing the cache.
func (d *Detector) Detect(ctx context.Context, f Feature) bool {
	if d.prober == nil {
		return d.current.Has(f)
	}
	switch f {
	case FeatureStatus:
		return d.prober.HasColumn(ctx, appointmentsTable, "status")
	case FeatureAuditColumns:
		return d.prober.HasColumn(ctx, appointmentsTable, "created_at") &&
			d.prober.HasColumn(ctx, appointmentsTable, "updated_at")
	case FeatureVisitReference:
		return d.prober.HasColumn(ctx, appointmentsTable, "visit_id")
	}
	return false
}

// Current returns the cached capabilities, detecting them on first use.
func (d *Detector) Current(ctx context.Context) *Capabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != nil {
		return d.current
	}
	return d.detectLocked(ctx)
}

// Refresh re-probes the schema, e.g. after a migration was applied to a
// running deployment.
func (d *Detector) Refresh(ctx context.Context) *Capabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.prober == nil {
		return d.current
	}
	return d.detectLocked(ctx)
}

func (d *Detector) detectLocked(ctx context.Context) *Capabilities {
	d.version++
	caps := &Capabilities{
		Status:         d.Detect(ctx, FeatureStatus),
		AuditColumns:   d.Detect(ctx, FeatureAuditColumns),
		VisitReference: d.Detect(ctx, FeatureVisitReference),
		Version:        d.version,
		DetectedAt:     d.now(),
	}
	d.current = caps
	d.logger.Info().
		Bool("status", caps.Status).
		Bool("audit_columns", caps.AuditColumns).
		Bool("visit_reference", caps.VisitReference).
		Uint64("version", caps.Version).
		Msg("schema capabilities detected")
	return caps
}
