// Package version reports what build of querypilot is running.
//
// Release builds stamp Release and commit via -ldflags; everything else is
// recovered from the module's embedded build info, so `go install
// github.com/querypilot/querypilot/cmd/querypilot@latest` still self-reports.
package version

import (
	"runtime/debug"
	"strings"
)

// Release is the semantic version of this build, stamped by the release
// pipeline. A build without the stamp reports "0.0.0-dev".
var Release = "0.0.0-dev"

// commitOverride is stamped alongside Release for builds without a .git
// directory, such as container builds from a source tarball.
var commitOverride string

// Commit identifies the VCS revision this binary was built from, shortened
// to 12 characters. Builds outside a checkout report "unknown".
var Commit = resolveCommit()

func resolveCommit() string {
	if commitOverride != "" {
		return shorten(commitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	var revision string
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return "unknown"
	}
	revision = shorten(revision)
	if dirty {
		revision += "-dirty"
	}
	return revision
}

func shorten(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// String renders the full build identity, e.g. "querypilot 1.4.0 (8c6fb31ba2d1)".
// It is what the CLI prints and what startup logging records.
func String() string {
	var b strings.Builder
	b.WriteString("querypilot ")
	b.WriteString(Release)
	b.WriteString(" (")
	b.WriteString(Commit)
	b.WriteString(")")
	return b.String()
}
