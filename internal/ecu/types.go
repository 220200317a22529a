package ecu

import (
	"fmt"
	"time"
)

// MapType categorizes a tunable table or value.
type MapType string

const (
	MapTypeIgnition   MapType = "ignition"
	MapTypeFuel       MapType = "fuel"
	MapTypeBoost      MapType = "boost"
	MapTypeVVT        MapType = "vvt"
	MapTypeTorque     MapType = "torque"
	MapTypeLimiter    MapType = "limiter"
	MapTypeCorrection MapType = "correction"
)

// MapShape describes the data layout of a map: a scalar (1x1), a 1-D
// curve (1xN), or a 2-D grid (MxN) with named axes.
type MapShape struct {
	Rows    int    `json:"rows" yaml:"rows"`
	Cols    int    `json:"cols" yaml:"cols"`
	RowAxis string `json:"row_axis,omitempty" yaml:"row_axis,omitempty"`
	ColAxis string `json:"col_axis,omitempty" yaml:"col_axis,omitempty"`
}

// ScalarShape is the shape of a single tunable value.
func ScalarShape() MapShape { return MapShape{Rows: 1, Cols: 1} }

// Cells returns the total number of addressable cells.
func (s MapShape) Cells() int { return s.Rows * s.Cols }

// IsScalar reports whether the shape holds exactly one value.
func (s MapShape) IsScalar() bool { return s.Rows == 1 && s.Cols == 1 }

// Equal reports whether two shapes have identical extents.
// Axis names are documentation and do not participate in equality.
func (s MapShape) Equal(o MapShape) bool { return s.Rows == o.Rows && s.Cols == o.Cols }

// MapDefinition statically describes one tunable table or value in an
// ECU calibration. Definitions are owned by an engine's catalogue and
// never change for the lifetime of the engine.
//
// Values on the wire are raw integers; physical values are derived as
// phys = raw*Scale + Offset, following the usual calibration convention.
type MapDefinition struct {
	ID             string  `json:"id" yaml:"id"`
	Name           string  `json:"name" yaml:"name"`
	Type           MapType `json:"type" yaml:"type"`
	Address        uint32  `json:"address" yaml:"address"`
	ByteSize       int     `json:"byte_size" yaml:"byte_size"`
	Shape          MapShape `json:"shape" yaml:"shape"`
	Unit           string  `json:"unit" yaml:"unit"`
	Min            float64 `json:"min" yaml:"min"`
	Max            float64 `json:"max" yaml:"max"`
	Scale          float64 `json:"scale" yaml:"scale"`
	Offset         float64 `json:"offset" yaml:"offset"`
	SafetyCritical bool    `json:"safety_critical" yaml:"safety_critical"`
	RequiresFlash  bool    `json:"requires_flash" yaml:"requires_flash"`
	ReadOnly       bool    `json:"read_only" yaml:"read_only"`
}

// CellBytes returns the wire width of a single cell.
func (d MapDefinition) CellBytes() int {
	cells := d.Shape.Cells()
	if cells == 0 {
		return 0
	}
	return d.ByteSize / cells
}

// CheckWellFormed validates the static invariants of a definition:
// min <= max, a positive shape, and address+size fitting within the
// engine's addressable memory.
func (d MapDefinition) CheckWellFormed(romSize int) error {
	if d.ID == "" {
		return fmt.Errorf("map definition missing id")
	}
	if d.Shape.Rows <= 0 || d.Shape.Cols <= 0 {
		return fmt.Errorf("map %s: invalid shape %dx%d", d.ID, d.Shape.Rows, d.Shape.Cols)
	}
	if d.Min > d.Max {
		return fmt.Errorf("map %s: min %g exceeds max %g", d.ID, d.Min, d.Max)
	}
	if d.ByteSize <= 0 || d.ByteSize%d.Shape.Cells() != 0 {
		return fmt.Errorf("map %s: byte size %d not divisible by %d cells", d.ID, d.ByteSize, d.Shape.Cells())
	}
	if int(d.Address)+d.ByteSize > romSize {
		return fmt.Errorf("map %s: region 0x%X+%d exceeds addressable memory %d", d.ID, d.Address, d.ByteSize, romSize)
	}
	if d.Scale == 0 {
		return fmt.Errorf("map %s: zero scale", d.ID)
	}
	return nil
}

// MapData is a concrete snapshot of values for one MapDefinition.
// Values are physical units, row-major, len == Shape.Cells().
type MapData struct {
	MapID      string    `json:"map_id"`
	Shape      MapShape  `json:"shape"`
	Values     []float64 `json:"values"`
	Source     string    `json:"source"` // "hardware", "shadow", or "simulated"
	CapturedAt time.Time `json:"captured_at"`
}

// Value returns the cell at (row, col).
func (m MapData) Value(row, col int) float64 {
	return m.Values[row*m.Shape.Cols+col]
}

// MapChange is one proposed edit. New values are checked against the
// definition's bounds during validation, not at construction.
type MapChange struct {
	MapID    string  `json:"map_id"`
	Row      int     `json:"row"`
	Col      int     `json:"col"`
	OldValue float64 `json:"old_value"`
	NewValue float64 `json:"new_value"`
}

// Changeset is an immutable, attributable bundle of MapChanges. It
// belongs to exactly one engine and its Changes slice is frozen once
// created; use NewChangeset to construct one with a stable ID.
type Changeset struct {
	ID        string      `json:"id"`
	ProfileID string      `json:"profile_id"`
	EngineID  string      `json:"engine_id"`
	Author    string      `json:"author"`
	Notes     string      `json:"notes,omitempty"`
	Changes   []MapChange `json:"changes"`
	CreatedAt time.Time   `json:"created_at"`
}

// NewChangeset freezes the given edits into a content-addressed
// changeset. The changes slice is copied so later caller mutation
// cannot alter the bundle the ID was computed over.
func NewChangeset(profileID, engineID, author, notes string, changes []MapChange, createdAt time.Time) (Changeset, error) {
	frozen := make([]MapChange, len(changes))
	copy(frozen, changes)

	cs := Changeset{
		ProfileID: profileID,
		EngineID:  engineID,
		Author:    author,
		Notes:     notes,
		Changes:   frozen,
		CreatedAt: createdAt.UTC(),
	}
	id, err := ChangesetID(cs)
	if err != nil {
		return Changeset{}, fmt.Errorf("compute changeset id: %w", err)
	}
	cs.ID = id
	return cs, nil
}

// ValidationResult is the outcome of running a Changeset through the
// validation pipeline. Valid implies zero errors and zero safety
// violations; warnings alone never invalidate.
type ValidationResult struct {
	ChangesetID      string   `json:"changeset_id"`
	Valid            bool     `json:"valid"`
	RiskScore        int      `json:"risk_score"` // clamped to [0,100]
	Warnings         []string `json:"warnings"`
	Errors           []string `json:"errors"`
	SafetyViolations []string `json:"safety_violations"`
	Recommendations  []string `json:"recommendations"`
}

// RiskLevel buckets a risk score for simulation reporting.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// RiskLevelFor derives the level from a score: LOW below 40,
// MEDIUM 40 through 70, HIGH above 70.
func RiskLevelFor(score int) RiskLevel {
	switch {
	case score < 40:
		return RiskLow
	case score <= 70:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// PredictedEffect is one estimated consequence of applying a change.
type PredictedEffect struct {
	MapID       string  `json:"map_id"`
	Description string  `json:"description"`
	Delta       float64 `json:"delta"`
}

// SimulationResult predicts the effect of applying a Changeset without
// touching hardware.
type SimulationResult struct {
	ChangesetID     string            `json:"changeset_id"`
	Effects         []PredictedEffect `json:"effects"`
	RiskLevel       RiskLevel         `json:"risk_level"`
	Warnings        []string          `json:"warnings"`
	Recommendations []string          `json:"recommendations"`
}

// SafetyLevel is the orchestrator-wide operating mode.
type SafetyLevel string

const (
	LevelSimulate  SafetyLevel = "SIMULATE"
	LevelLiveApply SafetyLevel = "LIVE_APPLY"
	LevelFlash     SafetyLevel = "FLASH"
)

// ParseSafetyLevel converts a wire string into a SafetyLevel.
func ParseSafetyLevel(s string) (SafetyLevel, error) {
	switch SafetyLevel(s) {
	case LevelSimulate, LevelLiveApply, LevelFlash:
		return SafetyLevel(s), nil
	default:
		return "", &Error{Kind: KindInvalidLevel, Message: fmt.Sprintf("unknown safety level %q", s)}
	}
}

// ActionDescriptor describes one custom engine action.
type ActionDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ReadOnly    bool   `json:"read_only"`
}

// EngineCapabilities declares what a protocol variant supports.
// Immutable for the lifetime of the engine.
type EngineCapabilities struct {
	EngineID           string             `json:"engine_id"`
	Protocol           string             `json:"protocol"`
	SupportedModes     []SafetyLevel      `json:"supported_modes"`
	SupportsLiveApply  bool               `json:"supports_live_apply"`
	SupportsFlash      bool               `json:"supports_flash"`
	SupportsSimulation bool               `json:"supports_simulation"`
	RequiresArming     bool               `json:"requires_arming"`
	MaxMapSize         int                `json:"max_map_size"`
	ROMSize            int                `json:"rom_size"`
	SupportedMapTypes  []MapType          `json:"supported_map_types"`
	CustomActions      []ActionDescriptor `json:"custom_actions"`
}

// EngineStatus is a live snapshot, produced fresh on every query and
// never cached across calls.
type EngineStatus struct {
	EngineID         string      `json:"engine_id"`
	Connected        bool        `json:"connected"`
	VehicleConnected bool        `json:"vehicle_connected"`
	CurrentSession   string      `json:"current_session,omitempty"`
	SafetyLevel      SafetyLevel `json:"safety_level"`
	Armed            bool        `json:"armed"`
	LastActivity     time.Time   `json:"last_activity"`
	Errors           []string    `json:"errors"`
	Warnings         []string    `json:"warnings"`
}

// PatchReport is the outcome of verifying a binary patch against an
// original ROM image.
type PatchReport struct {
	Valid    bool     `json:"valid"`
	Records  int      `json:"records"`
	Problems []string `json:"problems"`
}

// ApplyResult reports a completed live apply.
type ApplyResult struct {
	SessionID      string    `json:"session_id"`
	AppliedChanges int       `json:"applied_changes"`
	TechnicianID   string    `json:"technician_id,omitempty"`
	JobID          string    `json:"job_id,omitempty"`
	AppliedAt      time.Time `json:"applied_at"`
}
