package version

// Overridden at build time using -ldflags.
var version = "unknown"

func Version() string {
	return version
}
