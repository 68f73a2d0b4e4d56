package vercel

import (
	"os"
	"strings"
)

// Context is the slice of the Vercel build environment this connector cares
// about. It is read exactly once at startup; no other code touches VERCEL_*
// environment variables.
type Context struct {
	GitCommitSHA string
	GitCommitRef string
	DeploymentID string
	ProjectName  string
	ChecksToken  string
	OIDCToken    string
}

// ContextFromEnv reads the Vercel build environment. Defaults follow the
// values used for local invocations outside of a Vercel build.
func ContextFromEnv() Context {
	return Context{
		GitCommitSHA: getEnv("VERCEL_GIT_COMMIT_SHA", "unknown"),
		GitCommitRef: getEnv("VERCEL_GIT_COMMIT_REF", "main"),
		DeploymentID: getEnv("VERCEL_DEPLOYMENT_ID", "local"),
		ProjectName:  getEnv("VERCEL_PROJECT_NAME", "app"),
		ChecksToken:  os.Getenv("VERCEL_CHECKS_TOKEN"),
		OIDCToken:    os.Getenv("VERCEL_OIDC_TOKEN"),
	}
}

// ShortSHA returns the first eight characters of the commit hash.
func (c Context) ShortSHA() string {
	if len(c.GitCommitSHA) > 8 {
		return c.GitCommitSHA[:8]
	}
	return c.GitCommitSHA
}

// AppName derives a Code Engine application name from the project name and
// git ref. Code Engine names must be lowercase alphanumeric with hyphens,
// start with a letter, and fit in 63 characters.
func (c Context) AppName() string {
	name := c.ProjectName + "-" + SanitizeRef(c.GitCommitRef)
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}

// SanitizeRef rewrites a git ref into a name segment that is safe for both
// Code Engine resources and object storage keys.
func SanitizeRef(ref string) string {
	ref = strings.ToLower(ref)
	ref = strings.NewReplacer("/", "-", "_", "-").Replace(ref)

	var b strings.Builder
	for _, r := range ref {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	sanitized := b.String()

	if len(sanitized) == 0 || !(sanitized[0] >= 'a' && sanitized[0] <= 'z') {
		sanitized = "app-" + sanitized
	}

	return strings.TrimRight(sanitized, "-")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}

	return fallback
}
