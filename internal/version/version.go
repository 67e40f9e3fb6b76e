// Package version provides build-time version information.
//
// Variables are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/rickgao/kitchen-stream/internal/version.Version=1.0.0 \
//	                   -X github.com/rickgao/kitchen-stream/internal/version.Commit=$(git rev-parse --short HEAD)" \
//	    ./cmd/kitchenstream
package version

// Build-time variables (set via ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String returns a formatted version string.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}

// UserAgent is sent on every stream request that does not set its own.
func UserAgent() string {
	return "kitchenstream/" + Version
}
