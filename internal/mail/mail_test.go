package mail

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildQuery(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2025, 11, d, 0, 0, 0, 0, time.UTC) }

	tests := []struct {
		name string
		q    Query
		want string
	}{
		{
			name: "bare",
			q:    Query{},
			want: "has:attachment",
		},
		{
			name: "single sender and subject",
			q:    Query{Senders: []string{" boiler@example.com "}, Subject: "Touch export"},
			want: `from:boiler@example.com subject:"Touch export" has:attachment`,
		},
		{
			name: "senders are OR joined",
			q:    Query{Senders: []string{"a@x.de", "", "b@y.de"}},
			want: "from:(a@x.de OR b@y.de) has:attachment",
		},
		{
			name: "padded window",
			q:    Query{After: day(1), Before: day(6)},
			want: "has:attachment after:2025/11/01 before:2025/11/07",
		},
		{
			name: "open end",
			q:    Query{After: day(3)},
			want: "has:attachment after:2025/11/03",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildQuery(tt.q))
		})
	}
}

func TestIsAuthError(t *testing.T) {
	assert.True(t, IsAuthError(ErrNotConfigured))
	assert.True(t, IsAuthError(fmt.Errorf("search: %w", ErrReauthRequired)))
	assert.False(t, IsAuthError(fmt.Errorf("timeout")))
}
