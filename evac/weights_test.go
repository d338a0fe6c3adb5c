package evac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWeights_Valid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  UserPreferences
	}{
		{"all three", "fairness:0.3,clearance:0.5,robustness:0.2", UserPreferences{Fairness: 0.3, Clearance: 0.5, Robustness: 0.2}},
		{"whitespace", " clearance : 0.6 , fairness:0.4 ", UserPreferences{Fairness: 0.4, Clearance: 0.6}},
		{"single objective", "robustness:1", UserPreferences{Robustness: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWeights(tt.input)
			require.NoError(t, err)
			assert.InDelta(t, tt.want.Fairness, got.Fairness, 1e-12)
			assert.InDelta(t, tt.want.Clearance, got.Clearance, 1e-12)
			assert.InDelta(t, tt.want.Robustness, got.Robustness, 1e-12)
		})
	}
}

func TestParseWeights_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"missing colon", "fairness0.5,clearance:0.5"},
		{"unknown objective", "speed:1"},
		{"duplicate", "clearance:0.5,clearance:0.5"},
		{"not a number", "clearance:abc"},
		{"NaN", "clearance:NaN"},
		{"negative", "clearance:1.5,fairness:-0.5"},
		{"sum below one", "clearance:0.5,fairness:0.2"},
		{"sum above one", "clearance:0.8,fairness:0.8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWeights(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestParseWeights_StringRoundTrip(t *testing.T) {
	prefs := UserPreferences{Fairness: 0.25, Clearance: 0.5, Robustness: 0.25}
	got, err := ParseWeights(prefs.String())
	require.NoError(t, err)
	assert.Equal(t, prefs, got)
}

func TestUserPreferences_Validate_Epsilon(t *testing.T) {
	// Within 1e-6 of one is accepted
	assert.NoError(t, UserPreferences{Fairness: 0.3333333, Clearance: 0.3333333, Robustness: 0.3333334}.Validate())
	// Outside is rejected as a ValidationError
	err := UserPreferences{Fairness: 0.33, Clearance: 0.33, Robustness: 0.33}.Validate()
	assert.True(t, IsValidation(err))
}
