package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/runnerhub/pkg/store"
)

func TestIdentityHealthChecker(t *testing.T) {
	ok := identityHealthChecker{binaryName: "runnerhub", envPrefix: "RUNNERHUB", configName: "runnerhub"}
	assert.NoError(t, ok.CheckHealth(context.Background()))

	for want, c := range map[string]identityHealthChecker{
		"missing binary name": {envPrefix: "RUNNERHUB", configName: "runnerhub"},
		"missing env prefix":  {binaryName: "runnerhub", configName: "runnerhub"},
		"missing config name": {binaryName: "runnerhub", envPrefix: "RUNNERHUB"},
	} {
		err := c.CheckHealth(context.Background())
		require.Error(t, err, want)
		assert.Contains(t, err.Error(), want)
	}
}

func TestStoreHealthChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("nil db", func(t *testing.T) {
		err := storeHealthChecker{}.CheckHealth(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not opened")
	})

	t.Run("open db", func(t *testing.T) {
		db, err := store.Open(ctx, store.Config{Path: ":memory:"})
		require.NoError(t, err)
		defer func() { _ = db.Close() }()
		assert.NoError(t, storeHealthChecker{db: db}.CheckHealth(ctx))
	})

	t.Run("closed db", func(t *testing.T) {
		db, err := store.Open(ctx, store.Config{Path: ":memory:"})
		require.NoError(t, err)
		require.NoError(t, db.Close())
		err = storeHealthChecker{db: db}.CheckHealth(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unreachable")
	})
}

func TestServeOverrides(t *testing.T) {
	resetFlags(rootCmd)
	t.Cleanup(func() { resetFlags(rootCmd) })

	assert.Empty(t, serveOverrides(serveCmd))

	require.NoError(t, serveCmd.Flags().Set("port", "9999"))
	require.NoError(t, serveCmd.Flags().Set("lock", "redis"))
	o := serveOverrides(serveCmd)
	assert.Equal(t, 9999, o["server.port"])
	assert.Equal(t, "redis", o["dispatch.lock"])
	assert.NotContains(t, o, "server.host")
}

func TestServe_RefusesWithoutTokens(t *testing.T) {
	cfgPath := writeConfig(t)
	_, _, err := executeCLI(t, "--config", cfgPath, "serve")
	require.Error(t, err)
	assert.Equal(t, ExitConfig, ExitCode(err))
}
