package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	assert.Equal(t, "posectl dev (unknown, built unknown)", String())

	defer func(v, sha string) { Version, GitSHA = v, sha }(Version, GitSHA)
	Version, GitSHA = "v0.3.0", "abc123"
	assert.Equal(t, "posectl v0.3.0 (abc123, built unknown)", String())
}
