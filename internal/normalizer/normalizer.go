// Package normalizer turns one raw boiler CSV export into telemetry records.
//
// Exports are semicolon separated, usually ISO-8859-1 encoded, use a comma
// as decimal separator and carry a header row whose spelling drifts between
// firmware versions (trailing blanks, a degree sign that may arrive
// mis-encoded). Row level anomalies never fail a parse; they are tallied in
// Stats. Only a missing header or missing key columns fail the whole file.
package normalizer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/smukkama/pellet-ingest/internal/models"
)

var (
	ErrEmptyInput     = errors.New("normalizer: empty input")
	ErrMissingColumns = errors.New("normalizer: required columns missing")
)

// Stats counts what happened to the data rows of one file.
type Stats struct {
	Rows            int `json:"rows"`
	Accepted        int `json:"accepted"`
	DroppedDate     int `json:"dropped_date"`
	DroppedRuntime  int `json:"dropped_runtime"`
	Malformed       int `json:"malformed"`
	NumericDefaults int `json:"numeric_defaults"`
}

// Result is the parsed content of one export, in input row order.
type Result struct {
	Records []models.TelemetryRecord
	Stats   Stats
}

// Parse decodes raw export bytes. Every returned record has Filename set and
// a Runtime greater than zero.
func Parse(data []byte, filename string) (*Result, error) {
	text, err := decode(data)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = ';'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyInput
	}
	if err != nil {
		return nil, fmt.Errorf("normalizer: read header: %w", err)
	}

	cols, err := resolveColumns(header)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				result.Stats.Rows++
				result.Stats.Malformed++
				continue
			}
			return nil, fmt.Errorf("normalizer: read row: %w", err)
		}
		result.Stats.Rows++

		record, ok := cols.record(row, &result.Stats)
		if !ok {
			result.Stats.DroppedDate++
			continue
		}
		if !(record.Runtime > 0) {
			result.Stats.DroppedRuntime++
			continue
		}
		record.Filename = filename
		result.Records = append(result.Records, record)
		result.Stats.Accepted++
	}

	return result, nil
}

// decode returns the export as a string. Valid UTF-8 is kept as is, anything
// else is read as ISO-8859-1, which is what the controller writes.
func decode(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data), nil
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("normalizer: decode latin-1: %w", err)
	}
	return string(out), nil
}

type columns struct {
	date, time int
	sensors    [sensorCount]int
}

func resolveColumns(header []string) (*columns, error) {
	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if _, seen := index[name]; !seen {
			index[name] = i
		}
	}

	cols := &columns{
		date: lookup(index, dateCandidates),
		time: lookup(index, timeCandidates),
	}
	for i, field := range sensorFields {
		cols.sensors[i] = lookup(index, field.candidates)
	}

	var missing []string
	if cols.date < 0 {
		missing = append(missing, "date")
	}
	if cols.time < 0 {
		missing = append(missing, "time")
	}
	if cols.sensors[sensorRuntime] < 0 {
		missing = append(missing, "runtime")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	return cols, nil
}

// lookup returns the index of the first candidate present in the header.
// Header names and candidates are compared without surrounding blanks.
func lookup(index map[string]int, candidates []string) int {
	for _, name := range candidates {
		if i, ok := index[strings.TrimSpace(name)]; ok {
			return i
		}
	}
	return -1
}

func (c *columns) record(row []string, stats *Stats) (models.TelemetryRecord, bool) {
	date, clock, ok := parseDateTime(cell(row, c.date), cell(row, c.time))
	if !ok {
		return models.TelemetryRecord{}, false
	}

	var values [sensorCount]float64
	for i, idx := range c.sensors {
		v, ok := parseNumber(cell(row, idx))
		if !ok {
			stats.NumericDefaults++
		}
		values[i] = v
	}

	return models.TelemetryRecord{
		Date:               date,
		Time:               clock,
		OutsideTemp:        values[sensorOutsideTemp],
		OutsideTempActive:  values[sensorOutsideTempActive],
		FlowTemp:           values[sensorFlowTemp],
		FlowTempSetpoint:   values[sensorFlowTempSetpoint],
		BoilerTemp:         values[sensorBoilerTemp],
		BoilerTempSetpoint: values[sensorBoilerTempSetpoint],
		Modulation:         values[sensorModulation],
		FanSpeed:           values[sensorFanSpeed],
		Runtime:            values[sensorRuntime],
		StatusCode:         int(values[sensorStatus]),
		HotWaterInTemp:     values[sensorHotWaterIn],
		HotWaterOutTemp:    values[sensorHotWaterOut],
	}, true
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// parseNumber reads a comma-decimal value. Blank, unparsable or non-finite
// cells yield zero and false.
func parseNumber(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// parseDateTime composes "d.m.yyyy" and "h:mm[:ss]" into an ISO timestamp and
// checks that it parses. It returns the calendar day and a normalized
// HH:MM:SS clock.
func parseDateTime(dateStr, timeStr string) (time.Time, string, bool) {
	dparts := strings.Split(dateStr, ".")
	if len(dparts) != 3 {
		return time.Time{}, "", false
	}
	day, err1 := strconv.Atoi(strings.TrimSpace(dparts[0]))
	month, err2 := strconv.Atoi(strings.TrimSpace(dparts[1]))
	year, err3 := strconv.Atoi(strings.TrimSpace(dparts[2]))
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, "", false
	}

	tparts := strings.Split(timeStr, ":")
	if len(tparts) < 2 || len(tparts) > 3 {
		return time.Time{}, "", false
	}
	var hms [3]int
	for i, p := range tparts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return time.Time{}, "", false
		}
		hms[i] = n
	}

	clock := fmt.Sprintf("%02d:%02d:%02d", hms[0], hms[1], hms[2])
	iso := fmt.Sprintf("%04d-%02d-%02dT%s", year, month, day, clock)
	ts, err := time.Parse("2006-01-02T15:04:05", iso)
	if err != nil {
		return time.Time{}, "", false
	}
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC), clock, true
}
