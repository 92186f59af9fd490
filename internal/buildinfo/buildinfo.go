// Package buildinfo reports version and build metadata. Values stamped
// with -ldflags win; otherwise the VCS settings recorded by the Go
// toolchain are used.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var resolve = sync.OnceValue(func() map[string]string {
	info := map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if info["version"] == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info["version"] = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info["git_commit"] == "unknown" {
				info["git_commit"] = s.Value
			}
		case "vcs.time":
			if info["build_time"] == "unknown" {
				info["build_time"] = s.Value
			}
		case "vcs.modified":
			if s.Value == "true" {
				info["dirty"] = "true"
			}
		}
	}
	return info
})

// Info returns build and runtime info as a map. The caller may modify it.
func Info() map[string]string {
	src := resolve()
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// String returns a one-line summary for logging.
func String() string {
	info := resolve()
	commit := info["git_commit"]
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if info["dirty"] == "true" {
		commit += "+dirty"
	}
	return fmt.Sprintf("Tracewise %s (%s) built %s", info["version"], commit, info["build_time"])
}

// UserAgent returns the User-Agent header value for outbound requests.
func UserAgent() string {
	return "Tracewise/" + resolve()["version"] + " (+error-analysis agent)"
}
