package domain

// SmartWellKnown is the SMART discovery document served at
// .well-known/smart-configuration, and also the shape parsed from foreign
// servers during dual launch.
type SmartWellKnown struct {
	GrantTypes                   []string `json:"grant_types,omitempty"`
	AuthorizationEndpoint        string   `json:"authorization_endpoint"`
	TokenEndpoint                string   `json:"token_endpoint"`
	TokenEndpointAuthMethods     []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	TokenEndpointAuthSigningAlgs []string `json:"token_endpoint_auth_signing_alg_values_supported,omitempty"`
	RegistrationEndpoint         string   `json:"registration_endpoint,omitempty"`
	SupportedScopes              []string `json:"scopes_supported,omitempty"`
	SupportedResponseTypes       []string `json:"response_types_supported,omitempty"`
	ManagementEndpoint           string   `json:"management_endpoint,omitempty"`
	IntrospectionEndpoint        string   `json:"introspection_endpoint,omitempty"`
	Capabilities                 []string `json:"capabilities,omitempty"`
	SupportedChallengeMethods    []string `json:"code_challenge_methods_supported,omitempty"`
}
