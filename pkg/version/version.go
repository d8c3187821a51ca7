// Package version reports the running build's identity.
//
// The commit hash comes from -ldflags when injected, otherwise from the
// binary's embedded VCS metadata, otherwise "dev".
package version

import "runtime/debug"

// AppName prefixes version strings in logs and user-agent headers.
const AppName = "drover"

// commit is injected with -ldflags "-X .../version.commit=<sha>" for
// container builds where no .git directory is present.
var commit string

// GitCommit is the short commit hash identifying this build, or "dev"
// when nothing is available (go test, non-VCS builds).
var GitCommit = resolve()

func resolve() string {
	if commit != "" {
		return short(commit)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "drover/<commit>" for user-agent strings and logs.
func Full() string {
	return AppName + "/" + GitCommit
}
