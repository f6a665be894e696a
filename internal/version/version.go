// Package version хранит сведения о сборке.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Подставляются при сборке: -ldflags "-X github.com/vladislavdragonenkov/ordersvc/internal/version.version=v1.2.3".
var (
	version = "dev"
	commit  = ""
	date    = ""
)

// Build — версия бинаря и откуда он собран.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Modified  bool   `json:"modified,omitempty"`
}

func (b Build) String() string {
	commit := b.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if b.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (commit %s, built %s, %s)", b.Version, commit, b.Date, b.GoVersion)
}

var (
	once    sync.Once
	current Build
)

// Get возвращает сведения о сборке. Значения из ldflags приоритетнее VCS-меток Go.
func Get() Build {
	once.Do(func() {
		current = resolve(version, commit, date, debug.ReadBuildInfo)
	})
	return current
}

// GetVersion — короткий доступ к Get().Version.
func GetVersion() string { return Get().Version }

func resolve(v, c, d string, read func() (*debug.BuildInfo, bool)) Build {
	b := Build{Version: v, Commit: c, Date: d, GoVersion: runtime.Version()}

	if info, ok := read(); ok {
		if b.Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			b.Version = info.Main.Version
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if b.Commit == "" {
					b.Commit = s.Value
				}
			case "vcs.time":
				if b.Date == "" {
					b.Date = s.Value
				}
			case "vcs.modified":
				b.Modified = s.Value == "true"
			}
		}
	}

	if b.Commit == "" {
		b.Commit = "unknown"
	}
	if b.Date == "" {
		b.Date = "unknown"
	}
	return b
}
