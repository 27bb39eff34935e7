package scopes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name        string
		scopes      []string
		wantUser    []string
		wantPatient []string
	}{
		{
			name:     "v1 read expands to r and s",
			scopes:   []string{"user/Observation.read"},
			wantUser: []string{"Observation.r", "Observation.s"},
		},
		{
			name:     "v1 write expands to c u d",
			scopes:   []string{"user/Observation.write"},
			wantUser: []string{"Observation.c", "Observation.u", "Observation.d"},
		},
		{
			name:     "wildcard expands to all five",
			scopes:   []string{"user/*.*"},
			wantUser: []string{"*.c", "*.r", "*.u", "*.d", "*.s"},
		},
		{
			name:        "v2 letters in any order",
			scopes:      []string{"patient/Observation.sr"},
			wantPatient: []string{"Observation.r", "Observation.s"},
		},
		{
			name:        "granular suffix ignored",
			scopes:      []string{"patient/Observation.rs?category=laboratory"},
			wantPatient: []string{"Observation.r", "Observation.s"},
		},
		{
			name:   "launch scopes skipped",
			scopes: []string{"launch", "launch/patient", "fhirUser", "profile"},
		},
		{
			name:   "system context ignored",
			scopes: []string{"system/*.*"},
		},
		{
			name:   "empty resource skipped",
			scopes: []string{"user//Observation.r"},
		},
		{
			name:        "mixed set",
			scopes:      []string{"user/Patient.read", "patient/Encounter.cud", "openid"},
			wantUser:    []string{"Patient.r", "Patient.s"},
			wantPatient: []string{"Encounter.c", "Encounter.u", "Encounter.d"},
		},
		{
			name:     "uppercase actions normalized",
			scopes:   []string{"user/Patient.RS"},
			wantUser: []string{"Patient.r", "Patient.s"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, patient := Extract(tt.scopes)
			assert.ElementsMatch(t, tt.wantUser, keys(user))
			assert.ElementsMatch(t, tt.wantPatient, keys(patient))
		})
	}
}
