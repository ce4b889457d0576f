package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/launchforge/engine/internal/models"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{models.SessionStarted, models.SessionAnalyzing, true},
		{models.SessionAnalyzing, models.SessionGenerating, true},
		{models.SessionGenerating, models.SessionUploading, true},
		{models.SessionUploading, models.SessionPRCreated, true},
		{models.SessionPRCreated, models.SessionCompleted, true},

		// No skipping ahead.
		{models.SessionStarted, models.SessionGenerating, false},
		{models.SessionAnalyzing, models.SessionCompleted, false},

		// No moving backward.
		{models.SessionGenerating, models.SessionAnalyzing, false},
		{models.SessionCompleted, models.SessionStarted, false},

		// Failed is reachable from any non-terminal stage only.
		{models.SessionStarted, models.SessionFailed, true},
		{models.SessionUploading, models.SessionFailed, true},
		{models.SessionCompleted, models.SessionFailed, false},
		{models.SessionFailed, models.SessionFailed, false},

		// Terminal stages go nowhere.
		{models.SessionCompleted, models.SessionAnalyzing, false},
		{models.SessionFailed, models.SessionAnalyzing, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestStepsTo(t *testing.T) {
	require.Equal(t,
		[]string{models.SessionAnalyzing, models.SessionGenerating, models.SessionUploading},
		stepsTo(models.SessionStarted, models.SessionUploading))

	require.Empty(t, stepsTo(models.SessionGenerating, models.SessionGenerating))
	require.Nil(t, stepsTo(models.SessionUploading, models.SessionAnalyzing), "no path backward")
	require.Nil(t, stepsTo(models.SessionCompleted, models.SessionAnalyzing))
}
