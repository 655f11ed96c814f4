package version

import "fmt"

// Set at build time via -ldflags "-X vibeslop/pkg/version.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
}

func GetInfo() Info {
	return Info{Version: Version, GitCommit: GitCommit, BuildDate: BuildDate}
}

// ShortCommit returns the first 7 characters of the commit hash.
func ShortCommit() string {
	if len(GitCommit) >= 7 {
		return GitCommit[:7]
	}
	return GitCommit
}

func String() string {
	return fmt.Sprintf("%s (%s, built %s)", Version, ShortCommit(), BuildDate)
}

// Fields returns the build info as structured log fields.
func Fields() map[string]interface{} {
	return map[string]interface{}{
		"version":    Version,
		"git_commit": ShortCommit(),
		"build_date": BuildDate,
	}
}
