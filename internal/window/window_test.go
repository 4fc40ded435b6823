package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestExtractDate(t *testing.T) {
	e := NewExtractor("touch")

	tests := []struct {
		name   string
		want   time.Time
		wantOK bool
	}{
		{"touch_20251102.csv", day(2025, 11, 2), true},
		{"TOUCH_20251102.CSV", day(2025, 11, 2), true},
		{"Touch_20251102.csv", day(2025, 11, 2), true},
		{"export-20240229.csv", day(2024, 2, 29), true},
		{"backup 20250315 copy.csv", day(2025, 3, 15), true},
		{"touch_20251399.csv", time.Time{}, false},
		{"99999999_20250101_x.csv", day(2025, 1, 1), true},
		{"random.csv", time.Time{}, false},
		{"touch_2025110.csv", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := e.ExtractDate(tt.name)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestWindow_ExactSemantics(t *testing.T) {
	e := NewExtractor("touch")
	w := Window{From: day(2025, 11, 3), To: day(2025, 11, 4)}

	assert.False(t, e.Match("touch_20251102.csv", w).Included)
	assert.True(t, e.Match("touch_20251103.csv", w).Included)
	assert.True(t, e.Match("touch_20251104.csv", w).Included)
	assert.False(t, e.Match("touch_20251105.csv", w).Included)

	padded := w.Padded(2)
	assert.Equal(t, day(2025, 11, 1), padded.From)
	assert.Equal(t, day(2025, 11, 6), padded.To)
	assert.True(t, padded.Contains(day(2025, 11, 2)))
}

func TestWindow_IgnoresTimeOfDay(t *testing.T) {
	w := Window{From: time.Date(2025, 11, 3, 18, 30, 0, 0, time.UTC), To: time.Date(2025, 11, 4, 1, 0, 0, 0, time.UTC)}

	assert.True(t, w.Contains(time.Date(2025, 11, 3, 0, 0, 1, 0, time.UTC)))
	assert.True(t, w.Contains(time.Date(2025, 11, 4, 23, 59, 0, 0, time.UTC)))
	assert.False(t, w.Contains(time.Date(2025, 11, 5, 0, 0, 0, 0, time.UTC)))
}

func TestWindow_OpenBounds(t *testing.T) {
	assert.True(t, Window{}.IsZero())
	assert.True(t, Window{}.Contains(day(1999, 1, 1)))

	from := Window{From: day(2025, 1, 10)}
	assert.False(t, from.Contains(day(2025, 1, 9)))
	assert.True(t, from.Contains(day(2030, 1, 1)))
	assert.True(t, from.Padded(2).To.IsZero())
}

func TestMatch_UndatedFailsOpen(t *testing.T) {
	e := NewExtractor("touch")
	d := e.Match("random.csv", Window{From: day(2025, 11, 3), To: day(2025, 11, 4)})
	assert.True(t, d.Included)
	assert.False(t, d.Dated)
}

func TestIsExport(t *testing.T) {
	e := NewExtractor("touch")
	assert.True(t, e.IsExport("touch_20251101.csv"))
	assert.True(t, e.IsExport("TOUCH_20251101.CSV"))
	assert.False(t, e.IsExport("xtouch_20251101.csv"))
	assert.False(t, e.IsExport(".touch_20251101.csv.123.part"))
	assert.False(t, e.IsExport("touch_2025110.csv"))
	assert.False(t, e.IsExport("notes.txt"))
}
