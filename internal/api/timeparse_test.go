package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-05-06", time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)},
		{"2024-05-06 10:30", time.Date(2024, 5, 6, 10, 30, 0, 0, time.UTC)},
		{"2024-05-06 10:30:15", time.Date(2024, 5, 6, 10, 30, 15, 0, time.UTC)},
		{"2024-05-06T10:30:15", time.Date(2024, 5, 6, 10, 30, 15, 0, time.UTC)},
		{"2024-05-06 10:30:15.250", time.Date(2024, 5, 6, 10, 30, 15, 250e6, time.UTC)},
		{"2024-05-06T12:30:15+02:00", time.Date(2024, 5, 6, 10, 30, 15, 0, time.UTC)},
		{"  ", time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTime(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}

func TestParseTime_Invalid(t *testing.T) {
	for _, in := range []string{"yesterday", "2024-13-01", "10:30", "2024/05/06"} {
		_, err := ParseTime(in)
		assert.ErrorIs(t, err, ErrBadTime, in)
	}
}
