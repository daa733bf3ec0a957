package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostsync/pkg/shared"
)

func TestParseFindLine(t *testing.T) {
	res, ok := parseFindLine("f|2048|1704164645.123|/srv/data/docs/readme.txt")
	require.True(t, ok)
	assert.Equal(t, shared.ResourceFile, res.Kind)
	assert.Equal(t, "/srv/data/docs/readme.txt", res.Path)
	assert.Equal(t, "readme.txt", res.Name)
	assert.Equal(t, int64(2048), res.Size)
	assert.Equal(t, time.Unix(1704164645, 0).UTC(), res.Modified)

	res, ok = parseFindLine("d|4096|1704164645.000|/srv/data/docs")
	require.True(t, ok)
	assert.Equal(t, shared.ResourceDir, res.Kind)

	_, ok = parseFindLine("")
	assert.False(t, ok)

	_, ok = parseFindLine("garbage")
	assert.False(t, ok)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'/srv/data'", shellQuote("/srv/data"))
	assert.Equal(t, `'it'\''s here'`, shellQuote("it's here"))
}

func TestHiddenPath(t *testing.T) {
	assert.True(t, hiddenPath("/srv/.git/config"))
	assert.True(t, hiddenPath(".env"))
	assert.False(t, hiddenPath("/srv/data/readme.txt"))
	assert.False(t, hiddenPath("a/b/c"))
}

func TestSSHClientConfigRequiresSecret(t *testing.T) {
	_, err := sshClientConfig("deploy", shared.Credential{}, time.Second)
	assert.Error(t, err)

	config, err := sshClientConfig("deploy", shared.Credential{Password: "pw"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "deploy", config.User)
	assert.Len(t, config.Auth, 1)
}
