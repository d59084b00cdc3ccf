package bootcfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	cert := filepath.Join(dir, "broker_private")
	require.NoError(t, os.WriteFile(cert,
		[]byte("0123456789012345678901234567890123456789\n9876543210987654321098765432109876543210\n"), 0600))
	path := filepath.Join(dir, "broker.toml")
	require.NoError(t, os.WriteFile(path, []byte(body+"\ncert_path = \""+cert+"\"\n"), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
rank = 0
size = 4
arity = 2
bind_uri = "tcp://*:9001"
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 0, c.Rank)
	require.Equal(t, 4, c.Size)
	require.Equal(t, DefaultSyncMin, c.SyncMin.Duration)
	require.Equal(t, DefaultIdleMax, c.IdleMax.Duration)
}

func TestLoadDurationLiterals(t *testing.T) {
	path := writeConfig(t, `
rank = 0
size = 4
arity = 2
bind_uri = "tcp://*:9001"
sync_min = "3s"
sync_max = "1m"
idle_min = "30"
idle_max = "1.5m"
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, c.SyncMin.Duration)
	require.Equal(t, time.Minute, c.SyncMax.Duration)
	require.Equal(t, 30*time.Second, c.IdleMin.Duration)
	require.Equal(t, 90*time.Second, c.IdleMax.Duration)
}

func TestLoadHosts(t *testing.T) {
	path := writeConfig(t, `
rank = 2
size = 4
arity = 2
parent_uri = "tcp://node0:9001"
parent_public_key = "abcdefghijabcdefghijabcdefghijabcdefghij"
hosts = "node[0-3]"
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "node2", c.Hostname(2))
	require.Equal(t, "", c.Hostname(99))
}

func TestLoadPeersAndStore(t *testing.T) {
	path := writeConfig(t, `
rank = 0
size = 2
arity = 2
bind_uri = "tcp://*:9001"

[[peers]]
role = "child"
public_key = "abcdefghijabcdefghijabcdefghijabcdefghij"
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.Len(t, c.Peers, 1)
	store := c.BuildCertStore()
	name, ok := store.Lookup("abcdefghijabcdefghijabcdefghijabcdefghij")
	require.True(t, ok)
	require.Equal(t, "child", name)
}

func TestValidateRejects(t *testing.T) {
	cases := []string{
		"rank = 0\nsize = 0\narity = 2",                           // bad size
		"rank = 5\nsize = 4\narity = 2",                           // rank out of range
		"rank = 0\nsize = 4\narity = 0",                           // bad arity
		"rank = 1\nsize = 4\narity = 2\nbind_uri = \"tcp://*:9\"", // rank > 0 with no parent
		"rank = 0\nsize = 4\narity = 2\nhosts = \"node[0-1]\"",    // hosts/size mismatch
		"rank = 0\nsize = 4\narity = 2\nsync_min = \"abc\"",       // bad FSD literal
	}
	for _, body := range cases {
		_, err := Load(writeConfig(t, body))
		require.Error(t, err, body)
	}
}
