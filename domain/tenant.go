package domain

// TenantConfig describes one FHIR tenant served by this instance.
type TenantConfig struct {
	Name    string `json:"name" mapstructure:"name"`
	BaseURL string `json:"base_url" mapstructure:"base_url"`

	// SmartRequired forces authorization on every request; SmartAllowed
	// enables SMART without requiring it. Both false disables SMART for
	// the tenant entirely.
	SmartRequired bool `json:"smart_required" mapstructure:"smart_required"`
	SmartAllowed  bool `json:"smart_allowed" mapstructure:"smart_allowed"`
}
