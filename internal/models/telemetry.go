package models

import "time"

// TelemetryRecord is one controller sample from a daily CSV export.
type TelemetryRecord struct {
	ID                 int64     `db:"id" json:"id"`
	Date               time.Time `db:"date" json:"date"`
	Time               string    `db:"time" json:"time"`
	OutsideTemp        float64   `db:"outside_temp" json:"outside_temp"`
	OutsideTempActive  float64   `db:"outside_temp_active" json:"outside_temp_active"`
	FlowTemp           float64   `db:"flow_temp" json:"flow_temp"`
	FlowTempSetpoint   float64   `db:"flow_temp_setpoint" json:"flow_temp_setpoint"`
	BoilerTemp         float64   `db:"boiler_temp" json:"boiler_temp"`
	BoilerTempSetpoint float64   `db:"boiler_temp_setpoint" json:"boiler_temp_setpoint"`
	Modulation         float64   `db:"modulation" json:"modulation"`
	FanSpeed           float64   `db:"fan_speed" json:"fan_speed"`
	Runtime            float64   `db:"runtime" json:"runtime"`
	StatusCode         int       `db:"status_code" json:"status_code"`
	HotWaterInTemp     float64   `db:"hot_water_in_temp" json:"hot_water_in_temp"`
	HotWaterOutTemp    float64   `db:"hot_water_out_temp" json:"hot_water_out_temp"`
	Filename           string    `db:"filename" json:"filename"`
	ImportedAt         time.Time `db:"imported_at" json:"imported_at"`
}

// ImportedFile records the last successful import of one source file.
// The filename is the idempotency key for telemetry replacement.
type ImportedFile struct {
	Filename    string    `db:"filename" json:"filename"`
	RecordCount int       `db:"record_count" json:"record_count"`
	ImportedAt  time.Time `db:"imported_at" json:"imported_at"`
}
