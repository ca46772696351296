package domain

// Field is the name of one value read from a machine.
type Field string

// Known fields. The names are the ones programmed into the HMIs and used as
// keys in the machine file.
const (
	FieldTemp1     Field = "temp1"
	FieldTemp2     Field = "temp2"
	FieldSeamLeft  Field = "seam_left"
	FieldSeamRight Field = "seam_right"

	FieldLevel   Field = "level"
	FieldProcess Field = "process"
	FieldPattern Field = "pattern"
	FieldStep    Field = "step"
	FieldPH      Field = "ph"

	FieldLitMainPumpHours   Field = "lit_mpump_hr"
	FieldBearMainPumpHours  Field = "bear_mpump_hr"
	FieldSealMainPumpHours  Field = "seal_mpump_hr"
	FieldOilMainPumpHours   Field = "oil_mpump_hr"
	FieldLitReelRightHours  Field = "lit_dReelR_hr"
	FieldBearReelRightHours Field = "bear_dReelR_hr"
	FieldSealReelRightHours Field = "seal_dReelR_hr"
	FieldLitReelLeftHours   Field = "lit_dReelL_hr"
	FieldBearReelLeftHours  Field = "bear_dReelL_hr"
	FieldSealReelLeftHours  Field = "seal_dReelL_hr"
	FieldCalTemp1Hours      Field = "cal_temp1_hr"
	FieldCalTemp2Hours      Field = "cal_temp2_hr"

	FieldMachineOn Field = "machine_on"

	FieldOperatorID Field = "nik_op"
	FieldBatch      Field = "batch"
	FieldDipCount   Field = "celup"
	FieldShift      Field = "shift"
	FieldOffReason  Field = "ket_mesin_off"

	FieldResetID         Field = "id_reset"
	FieldMaintenanceUser Field = "nik_maintanance"
)

// Tier is one of the four telemetry categories.
type Tier string

const (
	TierHighFrequency   Tier = "high_frequency"
	TierMediumFrequency Tier = "medium_frequency"
	TierCycleContext    Tier = "cycle_context"
	TierMaintenance     Tier = "maintenance_events"
)

// Measurement returns the sink measurement name for the tier.
func (t Tier) Measurement() string {
	switch t {
	case TierHighFrequency:
		return "high_frequency_data"
	case TierMediumFrequency:
		return "medium_frequency_data"
	case TierCycleContext:
		return "cycle_context_data"
	case TierMaintenance:
		return "maintenance_events"
	default:
		return string(t)
	}
}

// Tiers lists every tier in publish order.
var Tiers = []Tier{TierHighFrequency, TierMediumFrequency, TierCycleContext, TierMaintenance}

// fieldSpec is one row of the static field table.
type fieldSpec struct {
	tier    Tier
	divisor float64
}

var highFrequencyFields = []Field{FieldTemp1, FieldTemp2, FieldSeamLeft, FieldSeamRight}

var mediumFrequencyFields = []Field{
	FieldLevel, FieldProcess, FieldPattern, FieldStep, FieldPH,
	FieldLitMainPumpHours, FieldBearMainPumpHours, FieldSealMainPumpHours, FieldOilMainPumpHours,
	FieldLitReelRightHours, FieldBearReelRightHours, FieldSealReelRightHours,
	FieldLitReelLeftHours, FieldBearReelLeftHours, FieldSealReelLeftHours,
	FieldCalTemp1Hours, FieldCalTemp2Hours,
	FieldMachineOn,
}

var contextFields = []Field{FieldOperatorID, FieldBatch, FieldDipCount, FieldShift}

// fieldTable is built once from the tier lists and the fixed-point scalings.
var fieldTable = buildFieldTable()

func buildFieldTable() map[Field]fieldSpec {
	t := make(map[Field]fieldSpec)
	for _, f := range highFrequencyFields {
		t[f] = fieldSpec{tier: TierHighFrequency, divisor: 1}
	}
	for _, f := range mediumFrequencyFields {
		t[f] = fieldSpec{tier: TierMediumFrequency, divisor: 1}
	}
	for _, f := range contextFields {
		t[f] = fieldSpec{tier: TierCycleContext}
	}
	t[FieldOffReason] = fieldSpec{tier: TierCycleContext}
	t[FieldResetID] = fieldSpec{tier: TierMaintenance}
	t[FieldMaintenanceUser] = fieldSpec{tier: TierMaintenance}

	// one decimal place fixed point
	t[FieldTemp1] = fieldSpec{tier: TierHighFrequency, divisor: 10}
	t[FieldTemp2] = fieldSpec{tier: TierHighFrequency, divisor: 10}
	t[FieldPH] = fieldSpec{tier: TierMediumFrequency, divisor: 10}
	return t
}

// HighFrequencyFields returns the high-frequency tier members in publish order.
func HighFrequencyFields() []Field { return append([]Field(nil), highFrequencyFields...) }

// MediumFrequencyFields returns the medium-frequency tier members in publish order.
func MediumFrequencyFields() []Field { return append([]Field(nil), mediumFrequencyFields...) }

// ContextFields returns the fields published on the cycle-context on-path.
func ContextFields() []Field { return append([]Field(nil), contextFields...) }

// IsKnown reports whether any tier publishes the field.
func (f Field) IsKnown() bool {
	_, ok := fieldTable[f]
	return ok
}

// Tier returns the tier the field belongs to.
func (f Field) Tier() (Tier, bool) {
	row, ok := fieldTable[f]
	return row.tier, ok
}

// Scale converts a raw register value into the published value.
// Only high and medium frequency fields are scaled.
func (f Field) Scale(raw int64) float64 {
	row, ok := fieldTable[f]
	if !ok || row.divisor == 0 {
		return float64(raw)
	}
	return float64(raw) / row.divisor
}
