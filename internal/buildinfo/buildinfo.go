// Package buildinfo carries version metadata stamped in with -ldflags -X.
package buildinfo

import "runtime/debug"

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

// Info reports the stamped values, falling back to the VCS data the Go
// toolchain records when they were not set.
func Info() map[string]string {
	out := map[string]string{
		"version": Version,
		"commit":  Commit,
		"builtAt": BuiltAt,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out["go"] = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out["commit"] == "" {
				out["commit"] = s.Value
			}
		case "vcs.time":
			if out["builtAt"] == "" {
				out["builtAt"] = s.Value
			}
		}
	}
	return out
}
