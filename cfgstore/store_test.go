package cfgstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/decred/dcrlauncher/chainreg"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), DefaultDBFilename)
	store, err := Open(path, 0)
	require.NoError(t, err)

	return store, path
}

func TestGlobalFlags(t *testing.T) {
	store, _ := newTestStore(t)

	advanced, err := store.DaemonAdvanced()
	require.NoError(t, err)
	require.False(t, advanced)

	open, err := store.MustOpenForm()
	require.NoError(t, err)
	require.True(t, open, "must-open-form defaults to true")

	require.NoError(t, store.SetDaemonAdvanced(true))
	require.NoError(t, store.SetMustOpenForm(false))
	require.NoError(t, store.SetPreviousWallet("default"))

	advanced, err = store.DaemonAdvanced()
	require.NoError(t, err)
	require.True(t, advanced)

	open, err = store.MustOpenForm()
	require.NoError(t, err)
	require.False(t, open)

	prev, err := store.PreviousWallet()
	require.NoError(t, err)
	require.Equal(t, "default", prev)
}

func TestWalletCredentialsAndAppData(t *testing.T) {
	store, _ := newTestStore(t)

	// Unknown wallets read as empty.
	creds, err := store.RemoteCredentials(chainreg.Testnet, "w1")
	require.NoError(t, err)
	require.False(t, creds.Complete())

	want := &RPCCredentials{
		User:     "user",
		Password: "pass",
		CertPath: "/tmp/rpc.cert",
		Host:     "127.0.0.1",
		Port:     "19109",
	}
	require.NoError(t, store.SetRemoteCredentials(chainreg.Testnet, "w1", want))
	require.NoError(t, store.SetAppDataPath(chainreg.Testnet, "w1", "/data"))

	creds, err = store.RemoteCredentials(chainreg.Testnet, "w1")
	require.NoError(t, err)
	require.Equal(t, want, creds)
	require.True(t, creds.Complete())

	path, err := store.AppDataPath(chainreg.Testnet, "w1")
	require.NoError(t, err)
	require.Equal(t, "/data", path)

	// Settings are per network.
	path, err = store.AppDataPath(chainreg.Mainnet, "w1")
	require.NoError(t, err)
	require.Empty(t, path)

	require.NoError(t, store.DeleteWallet(chainreg.Testnet, "w1"))
	require.ErrorIs(t, store.DeleteWallet(chainreg.Testnet, "w1"),
		ErrWalletNotFound)
}

func TestWalletSettings(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.WalletSettings(chainreg.Mainnet, "w")
	require.ErrorIs(t, err, ErrWalletNotFound)

	require.NoError(t, store.InitWallet(chainreg.Mainnet, "w"))
	settings, err := store.WalletSettings(chainreg.Mainnet, "w")
	require.NoError(t, err)
	require.Equal(t, DefaultWalletSettings(), settings)

	settings.GapLimit = 50
	settings.StakePools = []StakePool{
		{Host: "a", Network: "testnet", APIKey: "k1"},
		{Host: "b", Network: "mainnet"},
		{Host: "c", Network: "mainnet", APIKey: "k3"},
	}
	require.NoError(t, store.SetWalletSettings(chainreg.Mainnet, "w", settings))

	// InitWallet must not clobber existing settings.
	require.NoError(t, store.InitWallet(chainreg.Mainnet, "w"))

	got, err := store.WalletSettings(chainreg.Mainnet, "w")
	require.NoError(t, err)
	require.Equal(t, uint32(50), got.GapLimit)

	pool, ok := got.ActiveStakePool(chainreg.Mainnet)
	require.True(t, ok)
	require.Equal(t, "c", pool.Host)

	_, ok = (&WalletSettings{}).ActiveStakePool(chainreg.Testnet)
	require.False(t, ok)
}

func TestStoreLocked(t *testing.T) {
	_, path := newTestStore(t)

	// Hold the file lock the way a concurrent writer would.
	db, err := bolt.Open(path, dbFilePermission, nil)
	require.NoError(t, err)

	store, err := Open(path, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrStoreLocked)
	require.Nil(t, store)

	require.NoError(t, db.Close())

	store, err = Open(path, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, store.SetMustOpenForm(true))
}
