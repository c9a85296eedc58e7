// Package version reports what build of offline0 is running. Release builds
// set the variables with -ldflags "-X offline0/internal/version.Version=...";
// plain `go build` binaries fall back to the VCS stamp in the build info.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// Info is the resolved build description.
type Info struct {
	Version   string
	Commit    string
	Date      string
	GoVersion string
}

// Get merges the link-time variables with the binary's build info.
func Get() Info {
	return resolve(Version, Commit, Date, debug.ReadBuildInfo)
}

func resolve(v, commit, date string, read func() (*debug.BuildInfo, bool)) Info {
	info := Info{Version: v, Commit: commit, Date: date, GoVersion: runtime.Version()}
	if bi, ok := read(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.Date == "" {
					info.Date = s.Value
				}
			}
		}
	}
	if len(info.Commit) > 12 {
		info.Commit = info.Commit[:12]
	}
	if info.Commit == "" {
		info.Commit = "unknown"
	}
	if info.Date == "" {
		info.Date = "unknown"
	}
	return info
}

func (i Info) String() string {
	return fmt.Sprintf("offline0 %s (commit %s, built %s, %s)", i.Version, i.Commit, i.Date, i.GoVersion)
}

func String() string { return Get().String() }

// Short is the bare version tag.
func Short() string { return Version }
