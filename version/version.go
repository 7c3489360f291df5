// Package version reports build information stamped in via -ldflags:
//
//	go build -ldflags "-X github.com/teranos/crmsync/version.Version=v0.3.0 \
//	    -X github.com/teranos/crmsync/version.CommitHash=$(git rev-parse HEAD)"
//
// Without ldflags the VCS revision recorded by the go tool is used.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/teranos/crmsync/channel"
)

// Set at build time.
var (
	CommitHash = "dev"
	BuildTime  = "unknown"
	Version    = "dev"
)

// Info describes this binary.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	Modified   bool   `json:"modified,omitempty"`
	// Protocol is the sync channel protocol version spoken by this build.
	Protocol  string `json:"protocol"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the build information of the running binary.
func Get() Info {
	info := Info{
		Version:    Version,
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		Protocol:   channel.ProtocolVersion,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.fromVCS(bi.Settings)
	}
	return info
}

// fromVCS fills fields left at their defaults from go tool VCS stamps.
func (i *Info) fromVCS(settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if i.CommitHash == "dev" {
				i.CommitHash = s.Value
			}
		case "vcs.time":
			if i.BuildTime == "unknown" {
				i.BuildTime = s.Value
			}
		case "vcs.modified":
			i.Modified = s.Value == "true"
		}
	}
}

// String returns a human-readable version line.
func (i Info) String() string {
	commit := i.CommitHash
	if i.Modified {
		commit += "+dirty"
	}
	return fmt.Sprintf("crmsync %s (commit %s, built %s), protocol %s", i.Version, commit, i.BuildTime, i.Protocol)
}

// Short returns the abbreviated commit hash.
func (i Info) Short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}
