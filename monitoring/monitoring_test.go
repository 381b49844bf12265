package monitoring

import (
	"context"
	"testing"

	"github.com/decred/dcrlauncher/syncmon"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveSync(t *testing.T) {
	m := NewMetrics()

	m.ObserveSync(syncmon.State{
		Phase:         syncmon.SyncingEstimated,
		CurrentHeight: 200,
		NeededBlocks:  1000,
		SecondsLeft:   80,
	})
	m.ObservePollFailure()
	m.ObservePollFailure()
	m.SetRunning("dcrd", true)
	m.SetRunning("dcrwallet", false)

	require.Equal(t, 200.0, testutil.ToFloat64(m.syncHeight))
	require.Equal(t, 1000.0, testutil.ToFloat64(m.syncTarget))
	require.Equal(t, 80.0, testutil.ToFloat64(m.secondsLeft))
	require.Equal(t, 2.0, testutil.ToFloat64(m.syncPhase))
	require.Equal(t, 2.0, testutil.ToFloat64(m.pollFailures))
	require.Equal(t, 1.0,
		testutil.ToFloat64(m.running.WithLabelValues("dcrd")))
	require.Equal(t, 0.0,
		testutil.ToFloat64(m.running.WithLabelValues("dcrwallet")))
}

func TestStartDisabled(t *testing.T) {
	m := NewMetrics()
	require.NoError(t, m.Start(&Config{}))
	require.NoError(t, m.Stop(context.Background()))
}

func TestStartServes(t *testing.T) {
	m := NewMetrics()
	require.NoError(t, m.Start(&Config{Listen: "127.0.0.1:0"}))
	require.NoError(t, m.Stop(context.Background()))
}

func TestWalletDialOptions(t *testing.T) {
	m := NewMetrics()
	require.Len(t, m.WalletDialOptions(), 2)

	mfs, err := m.Registry().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)
}
