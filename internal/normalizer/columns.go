package normalizer

import "strings"

const (
	sensorOutsideTemp = iota
	sensorOutsideTempActive
	sensorFlowTemp
	sensorFlowTempSetpoint
	sensorBoilerTemp
	sensorBoilerTempSetpoint
	sensorModulation
	sensorFanSpeed
	sensorRuntime
	sensorStatus
	sensorHotWaterIn
	sensorHotWaterOut
	sensorCount
)

type sensorField struct {
	name       string
	candidates []string
}

var (
	dateCandidates = spellings("Datum")
	timeCandidates = spellings("Zeit")

	sensorFields = [sensorCount]sensorField{
		sensorOutsideTemp:        {"outside_temp", spellings("AT [°C]")},
		sensorOutsideTempActive:  {"outside_temp_active", spellings("ATakt [°C]")},
		sensorFlowTemp:           {"flow_temp", spellings("HK1 VL Ist[°C]")},
		sensorFlowTempSetpoint:   {"flow_temp_setpoint", spellings("HK1 VL Soll[°C]")},
		sensorBoilerTemp:         {"boiler_temp", spellings("PE1 KT[°C]")},
		sensorBoilerTempSetpoint: {"boiler_temp_setpoint", spellings("PE1 KT_SOLL[°C]")},
		sensorModulation:         {"modulation", spellings("PE1 Modulation[%]")},
		sensorFanSpeed:           {"fan_speed", spellings("PE1 Saugzug[%]")},
		sensorRuntime:            {"runtime", spellings("PE1 Runtime[h]")},
		sensorStatus:             {"status_code", spellings("PE1 Status")},
		sensorHotWaterIn:         {"hot_water_in_temp", spellings("WW1 EinT Ist[°C]")},
		sensorHotWaterOut:        {"hot_water_out_temp", spellings("WW1 AusT Ist[°C]")},
	}
)

// degreeGlyphs are the renderings of "°" seen in exports, in preference
// order: correct, UTF-8 read as Latin-1, replaced by '?', replacement
// character, dropped.
var degreeGlyphs = []string{"°", "Â°", "?", "�", ""}

// spellings expands a canonical header into the ordered list of spellings
// tried against a file's header row. Each glyph variant is tried without and
// then with a trailing blank.
func spellings(canonical string) []string {
	var variants []string
	if strings.Contains(canonical, "°") {
		for _, glyph := range degreeGlyphs {
			variants = append(variants, strings.ReplaceAll(canonical, "°", glyph))
		}
	} else {
		variants = []string{canonical}
	}

	out := make([]string, 0, len(variants)*2)
	for _, v := range variants {
		out = append(out, v, v+" ")
	}
	return out
}
