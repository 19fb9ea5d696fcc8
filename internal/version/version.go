// Package version carries build metadata set with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/you/censor-chatbot/internal/version.Version=v1.0.0"
package version

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)
