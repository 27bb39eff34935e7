package domain

// Interaction classifies the FHIR interaction a request performs.
type Interaction string

const (
	InteractionSystemCapabilities Interaction = "system-capabilities"
	InteractionInstanceRead       Interaction = "instance-read"
	InteractionTypeSearch         Interaction = "type-search"
	InteractionTypeCreate         Interaction = "type-create"
	InteractionInstanceUpdate     Interaction = "instance-update"
	InteractionInstanceDelete     Interaction = "instance-delete"
)

// RequestContext carries what the authorization gate needs to decide
// whether a FHIR request may proceed.
type RequestContext struct {
	TenantName    string
	HTTPMethod    string
	URL           string
	Interaction   Interaction
	Authorization *Authorization
}
