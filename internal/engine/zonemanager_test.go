package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dnsscience/dnsscienced/internal/config"
	"github.com/dnsscience/dnsscienced/internal/zone"
)

const testZoneFile = `$ORIGIN example.test.
$TTL 3600
@   IN SOA ns1.example.test. hostmaster.example.test. 1 7200 3600 1209600 3600
@   IN NS  ns1.example.test.
ns1 IN A   192.0.2.53
www IN A   192.0.2.1
`

func writeZoneFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "example.test.zone")
	require.NoError(t, os.WriteFile(path, []byte(testZoneFile), 0o644))
	return path
}

func TestLoadZoneAndLookup(t *testing.T) {
	zm := NewZoneManager()
	defer zm.Close()
	cfg := config.ZoneConfig{Origin: "example.test.", Path: writeZoneFile(t), Format: "bind"}
	require.NoError(t, zm.LoadZone(cfg, 2))

	store, ok := zm.Store("example.test.")
	require.True(t, ok)

	lease := store.Acquire(0)
	defer lease.Release()
	snap := lease.Snapshot()
	require.NotNil(t, snap)
	require.Equal(t, "example.test.", snap.Origin)
}

func TestOriginsListsLoadedZones(t *testing.T) {
	zm := NewZoneManager()
	defer zm.Close()
	cfg := config.ZoneConfig{Origin: "example.test.", Path: writeZoneFile(t), Format: "bind"}
	require.NoError(t, zm.LoadZone(cfg, 2))

	require.Equal(t, []string{"example.test."}, zm.Origins())
}

func TestReloadPicksUpFileChanges(t *testing.T) {
	zm := NewZoneManager()
	defer zm.Close()
	path := writeZoneFile(t)
	cfg := config.ZoneConfig{Origin: "example.test.", Path: path, Format: "bind"}
	require.NoError(t, zm.LoadZone(cfg, 2))

	updated := testZoneFile + "new IN A 192.0.2.200\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	require.NoError(t, zm.Reload("example.test."))

	store, _ := zm.Store("example.test.")
	lease := store.Acquire(0)
	defer lease.Release()
	_, kind := lease.Snapshot().Lookup("new.example.test.", 1)
	require.Equal(t, zone.MatchExact, kind)
}

func TestReloadUnknownZoneFails(t *testing.T) {
	zm := NewZoneManager()
	defer zm.Close()
	require.Error(t, zm.Reload("nope.test."))
}

func TestLoadZoneUnknownFormatFails(t *testing.T) {
	zm := NewZoneManager()
	defer zm.Close()
	cfg := config.ZoneConfig{Origin: "example.test.", Path: writeZoneFile(t), Format: "weird"}
	require.Error(t, zm.LoadZone(cfg, 2))
}

func TestReloadAllReloadsEveryZoneConcurrently(t *testing.T) {
	zm := NewZoneManager()
	defer zm.Close()

	require.NoError(t, zm.LoadZone(config.ZoneConfig{Origin: "example.test.", Path: writeZoneFile(t), Format: "bind"}, 2))

	require.NoError(t, zm.ReloadAll(map[string]config.NotifyConfig{}))
}

func TestReloadAllCollectsPerZoneErrors(t *testing.T) {
	zm := NewZoneManager()
	defer zm.Close()

	path := writeZoneFile(t)
	require.NoError(t, zm.LoadZone(config.ZoneConfig{Origin: "example.test.", Path: path, Format: "bind"}, 2))
	require.NoError(t, os.Remove(path))

	require.Error(t, zm.ReloadAll(map[string]config.NotifyConfig{}))
}
