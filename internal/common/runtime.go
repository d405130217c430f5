package common

import "runtime/debug"

// Version is reported by pungi-koji --version and sent to sentry.
var Version = "4.9.0"

// BuildInfo describes the binary running the compose.
type BuildInfo struct {
	// Git SHA commit (only first few characters)
	Commit string
	// Build date and time
	Time string
	// Go version the binary was built with
	GoVersion string
}

func ReadBuildInfo() BuildInfo {
	info := BuildInfo{
		Commit: "HEAD",
		Time:   "N/A",
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info.GoVersion = bi.GoVersion
	for _, bs := range bi.Settings {
		switch bs.Key {
		case "vcs.revision":
			if len(bs.Value) > 6 {
				info.Commit = bs.Value[0:6]
			}
		case "vcs.time":
			info.Time = bs.Value
		}
	}
	return info
}
