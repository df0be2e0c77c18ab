package buildinfo

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func stamp(t *testing.T, version, commit string) {
	t.Helper()
	oldV, oldC := Version, GitCommit
	Version, GitCommit = version, commit
	t.Cleanup(func() { Version, GitCommit = oldV, oldC })
}

func TestShortCommit(t *testing.T) {
	stamp(t, "v1.0.0", "3f9c2a1b7e6d5c4b")
	assert.Equal(t, "3f9c2a1b", ShortCommit())

	stamp(t, "dev", "unknown")
	assert.Equal(t, "unknown", ShortCommit())
}

func TestUserAgent(t *testing.T) {
	stamp(t, "v1.2.0", "3f9c2a1b7e6d5c4b")
	ua := UserAgent()
	assert.True(t, strings.HasPrefix(ua, "BacklogAssistant/v1.2.0 (+3f9c2a1b; "), ua)
}

func TestInfo(t *testing.T) {
	stamp(t, "v1.2.0", "3f9c2a1b7e6d5c4b")
	info := Info()
	assert.Equal(t, Name, info["service"])
	assert.Equal(t, "v1.2.0", info["version"])
	assert.NotEmpty(t, info["started_at"])
	assert.Equal(t, "backlog-assistant v1.2.0 (3f9c2a1b) built unknown", String())
}
