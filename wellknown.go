package smartauth

import "github.com/fhirforge/smartauth/domain"

// buildWellKnown assembles the SMART discovery document for a tenant.
func buildWellKnown(publicURL, tenant string) domain.SmartWellKnown {
	smartRoot := publicURL + "/_smart/" + tenant

	return domain.SmartWellKnown{
		GrantTypes: []string{
			"authorization_code",
			"urn:ietf:params:oauth:grant-type:token-exchange",
		},
		AuthorizationEndpoint: smartRoot + "/authorize",
		TokenEndpoint:         smartRoot + "/token",
		TokenEndpointAuthMethods: []string{
			"client_secret_basic",
			"private_key_jwt",
		},
		TokenEndpointAuthSigningAlgs: []string{
			"RS384",
			"ES384",
		},
		RegistrationEndpoint: smartRoot + "/register",
		SupportedScopes: []string{
			"profile",
			"fhirUser",
			"launch",
			"launch/patient",
			"launch/practitioner",
			"patient/*.*",
			"user/*.*",
			"system/*.*",
		},
		SupportedResponseTypes: []string{
			"code",
			"id_token",
			"code id_token",
			"refresh_token",
		},
		ManagementEndpoint:    publicURL + "/smart/clients",
		IntrospectionEndpoint: smartRoot + "/introspect",
		Capabilities: []string{
			"smart-imaging-access",
			"dual-launch-access",
			"launch-standalone",
			"client-public",
			"client-confidential-symmetric",
			"client-confidential-asymmetric",
			"context-standalone-patient",
			"permission-patient",
			"permission-user",
			"permission-v1",
			"permission-v2",
		},
		SupportedChallengeMethods: []string{"S256"},
	}
}
