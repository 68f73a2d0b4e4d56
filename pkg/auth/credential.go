package auth

import (
	"os"
	"time"
)

// Source tags how a credential was acquired.
type Source string

const (
	// SourceTrustedProfile means the credential came from exchanging a
	// CI-issued OIDC token against a trusted profile.
	SourceTrustedProfile Source = "trusted-profile"
	// SourceAPIKey means the credential came from exchanging a long-lived
	// static API key.
	SourceAPIKey Source = "api-key"
)

// Credential is a bearer token for IBM Cloud services. It lives in process
// memory only; nothing is persisted between runs.
type Credential struct {
	AccessToken       string
	TokenType         string
	Expiry            time.Time
	Source            Source
	ServiceInstanceID string
}

// Material is the authentication-related slice of the process environment.
// It is read exactly once at startup so that the resolver itself stays free
// of implicit global state.
type Material struct {
	APIKey            string
	ServiceInstanceID string
	OIDCToken         string
}

func MaterialFromEnv() Material {
	return Material{
		APIKey:            os.Getenv("IBM_CLOUD_API_KEY"),
		ServiceInstanceID: os.Getenv("IBM_COS_SERVICE_INSTANCE_ID"),
		OIDCToken:         os.Getenv("VERCEL_OIDC_TOKEN"),
	}
}
