// Package buildinfo identifies the running backlog assistant: the
// release it was built from, when it started, and the User-Agent it
// presents to the model API and the Steam Web API.
//
// Release builds stamp the variables with
//
//	go build -ldflags "-X github.com/nugget/backlog-assistant/internal/buildinfo.Version=v1.2.0 ..."
//
// Local builds report "dev".
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Name is the service name used in logs, the version command and the
// User-Agent product token.
const Name = "backlog-assistant"

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startedAt = time.Now()

// ShortCommit is the first 8 characters of GitCommit.
func ShortCommit() string {
	if len(GitCommit) > 8 {
		return GitCommit[:8]
	}
	return GitCommit
}

// Info is what GET /v1/version and `backlog version` report.
func Info() map[string]string {
	return map[string]string{
		"service":    Name,
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"started_at": startedAt.UTC().Format(time.RFC3339),
		"uptime":     Uptime().String(),
	}
}

// Uptime is time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(startedAt).Truncate(time.Second)
}

// UserAgent is sent on outbound requests so Steam and Anthropic can
// tell which release is calling them.
func UserAgent() string {
	return fmt.Sprintf("BacklogAssistant/%s (+%s; %s/%s)", Version, ShortCommit(), runtime.GOOS, runtime.GOARCH)
}

func String() string {
	return fmt.Sprintf("%s %s (%s) built %s", Name, Version, ShortCommit(), BuildTime)
}
