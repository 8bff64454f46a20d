package app

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bidround/internal/config"
	"github.com/alanyoungcy/bidround/internal/domain"
)

func standaloneConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Mode = "api"
	cfg.Store.Driver = "memory"
	cfg.Redis.Enabled = false
	cfg.S3.Enabled = false
	cfg.Authority.SeedHex = strings.Repeat("ab", 32)
	return &cfg
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWireStandalone(t *testing.T) {
	cfg := standaloneConfig()
	deps, cleanup, err := Wire(context.Background(), cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.Store)
	assert.NotNil(t, deps.LockManager)
	assert.NotNil(t, deps.RateLimiter)
	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.RoundCache)
	assert.Nil(t, deps.Archiver)
	assert.Nil(t, deps.archiver())
	assert.Nil(t, deps.auditStore())
	assert.Empty(t, deps.Checks)
	assert.False(t, deps.Notifier.Enabled())
}

func TestWireRejectsMissingSeed(t *testing.T) {
	cfg := standaloneConfig()
	cfg.Authority.SeedHex = ""
	_, _, err := Wire(context.Background(), cfg, discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authority seed")
}

func TestBuildServicesRoutesEventsToHub(t *testing.T) {
	cfg := standaloneConfig()
	deps, cleanup, err := Wire(context.Background(), cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	a := New(cfg, discard())
	svc := a.buildServices(deps, true)
	require.NotNil(t, svc.hub)
	assert.Equal(t, cfg.Settlement.HeirTimeout.Duration, svc.rounds.HeirTimeout())

	id, authority, err := svc.rounds.Reserve()
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	again, err := svc.rounds.Authority(id)
	require.NoError(t, err)
	assert.Equal(t, authority, again)

	headless := a.buildServices(deps, false)
	assert.Nil(t, headless.hub)
}

func TestMaintenancePassOnEmptyStore(t *testing.T) {
	cfg := standaloneConfig()
	deps, cleanup, err := Wire(context.Background(), cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	a := New(cfg, discard())
	svc := a.buildServices(deps, false)
	a.maintenancePass(context.Background(), deps, svc)

	rounds, err := svc.rounds.ListRounds(context.Background(), "", domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, rounds)
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := standaloneConfig()
	cfg.Mode = "trade"
	a := New(cfg, discard())
	defer a.Close()
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported mode")
}
