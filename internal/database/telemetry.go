package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/smukkama/pellet-ingest/internal/models"
)

var telemetryColumns = []string{
	"date", "time",
	"outside_temp", "outside_temp_active",
	"flow_temp", "flow_temp_setpoint",
	"boiler_temp", "boiler_temp_setpoint",
	"modulation", "fan_speed", "runtime", "status_code",
	"hot_water_in_temp", "hot_water_out_temp",
	"filename", "imported_at",
}

// ReplaceByFilename swaps every record of file.Filename for records and
// upserts the imported_files row, all in one transaction.
func (db *DB) ReplaceByFilename(ctx context.Context, file models.ImportedFile, records []models.TelemetryRecord) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace %s: %w", file.Filename, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM telemetry_records WHERE filename = $1`, file.Filename); err != nil {
		return fmt.Errorf("delete %s: %w", file.Filename, err)
	}
	if err := copyRecords(ctx, tx, records); err != nil {
		return fmt.Errorf("copy %s: %w", file.Filename, err)
	}
	if err := upsertImportedFile(ctx, tx, file); err != nil {
		return fmt.Errorf("mark %s imported: %w", file.Filename, err)
	}
	return tx.Commit()
}

// DeleteByFilename removes every record of filename.
func (db *DB) DeleteByFilename(ctx context.Context, filename string) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM telemetry_records WHERE filename = $1`, filename)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertMany bulk loads records with COPY.
func (db *DB) InsertMany(ctx context.Context, records []models.TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := copyRecords(ctx, tx, records); err != nil {
		return err
	}
	return tx.Commit()
}

func copyRecords(ctx context.Context, tx *sql.Tx, records []models.TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("telemetry_records", telemetryColumns...))
	if err != nil {
		return err
	}
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.Date.Format("2006-01-02"), r.Time,
			r.OutsideTemp, r.OutsideTempActive,
			r.FlowTemp, r.FlowTempSetpoint,
			r.BoilerTemp, r.BoilerTempSetpoint,
			r.Modulation, r.FanSpeed, r.Runtime, r.StatusCode,
			r.HotWaterInTemp, r.HotWaterOutTemp,
			r.Filename, r.ImportedAt,
		); err != nil {
			stmt.Close()
			return err
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return err
	}
	return stmt.Close()
}

// MarkImported upserts the bookkeeping row for one file.
func (db *DB) MarkImported(ctx context.Context, file models.ImportedFile) error {
	return upsertImportedFile(ctx, db, file)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertImportedFile(ctx context.Context, e execer, file models.ImportedFile) error {
	query := `
		INSERT INTO imported_files (filename, record_count, imported_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (filename) DO UPDATE
		SET record_count = EXCLUDED.record_count,
		    imported_at = EXCLUDED.imported_at
	`
	_, err := e.ExecContext(ctx, query, file.Filename, file.RecordCount, file.ImportedAt)
	return err
}

// LastImport returns the bookkeeping row for filename, or nil if the file was
// never imported.
func (db *DB) LastImport(ctx context.Context, filename string) (*models.ImportedFile, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	var f models.ImportedFile
	err := db.QueryRowContext(ctx,
		`SELECT filename, record_count, imported_at FROM imported_files WHERE filename = $1`,
		filename,
	).Scan(&f.Filename, &f.RecordCount, &f.ImportedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// FindByFilename returns the records of one file ordered by date and time.
func (db *DB) FindByFilename(ctx context.Context, filename string) ([]models.TelemetryRecord, error) {
	query := `
		SELECT id, date, time,
		       outside_temp, outside_temp_active,
		       flow_temp, flow_temp_setpoint,
		       boiler_temp, boiler_temp_setpoint,
		       modulation, fan_speed, runtime, status_code,
		       hot_water_in_temp, hot_water_out_temp,
		       filename, imported_at
		FROM telemetry_records
		WHERE filename = $1
		ORDER BY date, time, id
	`
	rows, err := db.QueryContext(ctx, query, filename)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.TelemetryRecord
	for rows.Next() {
		var r models.TelemetryRecord
		if err := rows.Scan(
			&r.ID, &r.Date, &r.Time,
			&r.OutsideTemp, &r.OutsideTempActive,
			&r.FlowTemp, &r.FlowTempSetpoint,
			&r.BoilerTemp, &r.BoilerTempSetpoint,
			&r.Modulation, &r.FanSpeed, &r.Runtime, &r.StatusCode,
			&r.HotWaterInTemp, &r.HotWaterOutTemp,
			&r.Filename, &r.ImportedAt,
		); err != nil {
			return nil, err
		}
		r.Date = r.Date.UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// DistinctFilenames lists every file that currently has records.
func (db *DB) DistinctFilenames(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT filename FROM telemetry_records ORDER BY filename`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
