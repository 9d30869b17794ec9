package version

// Injected at build time via -ldflags "-X .../pkg/version.Version=..."
var (
	Version       = "dev"
	GitCommit     = "unknown"
	BuildDate     = "unknown"
	ComponentName = "unknown" // gateway or usage-worker
)

// Info is the build metadata printed by `worker version --json`.
type Info struct {
	Version       string `json:"version"`
	GitCommit     string `json:"git_commit"`
	BuildDate     string `json:"build_date"`
	ComponentName string `json:"component_name,omitempty"`
}

// GetInfo snapshots the injected build variables.
func GetInfo() Info {
	return Info{
		Version:       Version,
		GitCommit:     GitCommit,
		BuildDate:     BuildDate,
		ComponentName: ComponentName,
	}
}

// GetShortCommit returns the first 7 characters of the commit hash.
func GetShortCommit() string {
	if len(GitCommit) >= 7 {
		return GitCommit[:7]
	}
	return GitCommit
}
