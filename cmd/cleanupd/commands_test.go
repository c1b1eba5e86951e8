package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestDueCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			"before window",
			[]string{"due", "--start", "22:00", "--end", "23:00", "--at", "2026-10-14T21:15:00Z", "--tz", "UTC"},
			[]string{"due:    2026-10-14T22:00:00Z (in 45m0s)"},
		},
		{
			"inside window",
			[]string{"due", "--start", "22:00", "--end", "23:00", "--at", "2026-10-14T22:15:00Z", "--tz", "UTC"},
			[]string{"due:    2026-10-14T22:15:00Z (now)"},
		},
		{
			"after midnight in a crossing window",
			[]string{"due", "--start", "23:00", "--end", "01:00", "--at", "2026-10-15T00:30:00Z", "--tz", "UTC"},
			[]string{"due:    2026-10-15T00:30:00Z (now)"},
		},
		{
			"next day",
			[]string{"due", "--start", "22:00", "--end", "23:00", "--at", "2026-10-15T00:15:00Z", "--tz", "UTC"},
			[]string{"due:    2026-10-15T22:00:00Z"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := runCLI(t, tt.args...)
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
		})
	}
}

func TestDueCommandRejectsMalformedTime(t *testing.T) {
	t.Parallel()
	_, err := runCLI(t, "due", "--start", "9pm")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_window.start_time")
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "cleanupd dev")
}
