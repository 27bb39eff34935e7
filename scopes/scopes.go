// Package scopes normalizes SMART v1 and v2 scope strings into canonical
// per-resource CRUDS permission sets.
package scopes

import "strings"

// Extract splits each scope into context/resource.actions components and
// folds them into user and patient permission sets of the form
// "Resource.x" where x is one of c, r, u, d, s. Scopes that do not match
// the pattern are skipped; contexts other than user and patient are
// ignored.
func Extract(scopes []string) (user, patient map[string]struct{}) {
	user = make(map[string]struct{})
	patient = make(map[string]struct{})

	for _, scope := range scopes {
		// scopes we care about are [context]/[resource].[actions][?granular]
		components := splitScope(scope)
		if len(components) < 3 {
			continue
		}

		actions := strings.ToLower(components[2])

		switch components[0] {
		case "user":
			addScope(components[1], actions, user)
		case "patient":
			addScope(components[1], actions, patient)
		}
	}

	return user, patient
}

// splitScope splits on the scope delimiters, keeping empty components so
// malformed inputs like "user//Observation.r" stay rejected.
func splitScope(scope string) []string {
	var parts []string
	last := 0
	for i, r := range scope {
		if r == '/' || r == '.' || r == '?' {
			parts = append(parts, scope[last:i])
			last = i + 1
		}
	}
	return append(parts, scope[last:])
}

func addScope(resource, actions string, set map[string]struct{}) {
	if resource == "" || actions == "" {
		return
	}

	// v1 keywords and the wildcard expand to fixed permission groups
	switch actions {
	case "read":
		set[resource+".r"] = struct{}{}
		set[resource+".s"] = struct{}{}
		return

	case "write":
		set[resource+".c"] = struct{}{}
		set[resource+".u"] = struct{}{}
		set[resource+".d"] = struct{}{}
		return

	case "*":
		set[resource+".c"] = struct{}{}
		set[resource+".r"] = struct{}{}
		set[resource+".u"] = struct{}{}
		set[resource+".d"] = struct{}{}
		set[resource+".s"] = struct{}{}
		return
	}

	// v2 letters can appear in any order
	for _, action := range []string{"c", "r", "u", "d", "s"} {
		if strings.Contains(actions, action) {
			set[resource+"."+action] = struct{}{}
		}
	}
}
