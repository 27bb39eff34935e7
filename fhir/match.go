// Package fhir defines the thin FHIR surface the authorization server
// needs: a search collaborator and patient context alignment on top of
// it.
package fhir

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// Identifier is a business identifier attached to a resource.
type Identifier struct {
	Use    string `json:"use,omitempty"`
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Resource is the subset of a FHIR resource relevant to matching.
type Resource struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id"`
	Identifiers  []Identifier `json:"identifier,omitempty"`
}

// Searcher runs a type-level search against the local store. It returns
// the HTTP-style status of the operation and the matching resources.
type Searcher interface {
	Search(ctx context.Context, resourceType, query string) (int, []Resource, error)
}

// PatientReader reads a patient resource from a foreign server.
type PatientReader interface {
	ReadPatient(ctx context.Context, reference string) (*Resource, error)
}

// PatientMatcher resolves a foreign patient to the equivalent local one
// by identifier.
type PatientMatcher struct {
	foreign PatientReader
	local   Searcher
}

// NewPatientMatcher builds a matcher over the given foreign reader and
// local searcher.
func NewPatientMatcher(foreign PatientReader, local Searcher) *PatientMatcher {
	return &PatientMatcher{foreign: foreign, local: local}
}

// MatchPatientID reads the foreign patient and searches the local store
// for a patient carrying any of its non-retired identifiers. Exactly one
// local match yields an id; anything else yields none.
func (m *PatientMatcher) MatchPatientID(ctx context.Context, foreignPatientID string) (string, bool) {
	reference := foreignPatientID
	if !strings.HasPrefix(reference, "Patient/") {
		reference = "Patient/" + reference
	}

	patient, err := m.foreign.ReadPatient(ctx, reference)
	if err != nil || patient == nil {
		log.Warn().Err(err).Str("patient", reference).Msg("failed to read foreign patient")
		return "", false
	}

	var terms []string
	for _, id := range patient.Identifiers {
		if id.Use == "old" {
			continue
		}
		terms = append(terms, id.System+"|"+id.Value)
	}
	if len(terms) == 0 {
		return "", false
	}

	query := "identifier=" + strings.Join(terms, ",")

	status, matches, err := m.local.Search(ctx, "Patient", query)
	if err != nil || status != http.StatusOK {
		log.Warn().Err(err).Int("status", status).Msg("patient identifier search failed")
		return "", false
	}

	var patients []Resource
	for _, res := range matches {
		if res.ResourceType == "Patient" {
			patients = append(patients, res)
		}
	}

	if len(patients) != 1 {
		log.Debug().Msg(fmt.Sprintf("patient identifier search matched %d patients", len(patients)))
		return "", false
	}

	return patients[0].ID, true
}
