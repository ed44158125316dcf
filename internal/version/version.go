// Package version holds the build version reported by popper-badge.
package version

// Version is overridden at build time:
//
//	go build -ldflags "-X github.com/ivotron/popper-badge-server/internal/version.Version=v1.2.3"
var Version = "dev"
