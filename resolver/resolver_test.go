package resolver

import (
	"errors"
	"testing"

	"github.com/decred/dcrlauncher/cfgstore"
	"github.com/decred/dcrlauncher/chainreg"
	"github.com/stretchr/testify/require"
)

type mockSource struct {
	advanced bool
	appData  string
	creds    *cfgstore.RPCCredentials
	err      error
}

func (m *mockSource) DaemonAdvanced() (bool, error) {
	return m.advanced, m.err
}

func (m *mockSource) AppDataPath(chainreg.Network, string) (string, error) {
	return m.appData, nil
}

func (m *mockSource) RemoteCredentials(chainreg.Network,
	string) (*cfgstore.RPCCredentials, error) {

	if m.creds == nil {
		return &cfgstore.RPCCredentials{}, nil
	}
	return m.creds, nil
}

var fullCreds = &cfgstore.RPCCredentials{
	User:     "u",
	Password: "p",
	CertPath: "/rpc.cert",
	Host:     "10.0.0.1",
	Port:     "9109",
}

func TestResolve(t *testing.T) {
	partial := *fullCreds
	partial.CertPath = ""

	tests := []struct {
		name     string
		src      *mockSource
		req      Request
		wantMode Mode
		wantErr  error
	}{{
		name: "simple mode ignores other sources",
		src: &mockSource{
			appData: "/data",
			creds:   fullCreds,
		},
		req:      Request{Wallet: "w"},
		wantMode: ModeLocalManaged,
	}, {
		name:     "advanced with appdata",
		src:      &mockSource{advanced: true, appData: "/data"},
		req:      Request{Wallet: "w"},
		wantMode: ModeLocalAppData,
	}, {
		name:     "advanced with remote credentials",
		src:      &mockSource{advanced: true, creds: fullCreds},
		req:      Request{Wallet: "w"},
		wantMode: ModeRemoteCredentials,
	}, {
		name:    "advanced with partial credentials",
		src:     &mockSource{advanced: true, creds: &partial},
		req:     Request{Wallet: "w"},
		wantErr: ErrAwaitUser,
	}, {
		name:    "advanced without wallet",
		src:     &mockSource{advanced: true, appData: "/data"},
		req:     Request{},
		wantErr: ErrAwaitUser,
	}, {
		name:    "advanced with pending form",
		src:     &mockSource{advanced: true, appData: "/data"},
		req:     Request{Wallet: "w", FormPending: true},
		wantErr: ErrAwaitUser,
	}, {
		name:    "advanced with nothing",
		src:     &mockSource{advanced: true},
		req:     Request{Wallet: "w"},
		wantErr: ErrAwaitUser,
	}}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			res, err := Resolve(test.src, test.req)
			if test.wantErr != nil {
				require.ErrorIs(t, err, test.wantErr)
				require.Nil(t, res)
				return
			}
			require.NoError(t, err)
			require.Equal(t, test.wantMode, res.Mode)

			// Never both a local and a remote path.
			require.False(t, res.AppData != "" && res.Credentials != nil)
		})
	}
}

func TestResolveAmbiguous(t *testing.T) {
	src := &mockSource{advanced: true, appData: "/data", creds: fullCreds}

	for _, pending := range []bool{false, true} {
		res, err := Resolve(src, Request{
			Wallet:      "w",
			Network:     chainreg.Testnet,
			FormPending: pending,
		})
		require.Nil(t, res)

		var ambErr *AmbiguousCredentialsError
		require.True(t, errors.As(err, &ambErr))
		require.Equal(t, "w", ambErr.Wallet)
		require.Equal(t, chainreg.Testnet, ambErr.Network)
	}
}

func TestResolveSourceError(t *testing.T) {
	src := &mockSource{err: errors.New("boom")}
	_, err := Resolve(src, Request{Wallet: "w"})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrAwaitUser)
}

func TestModeString(t *testing.T) {
	require.Equal(t, "local-managed", ModeLocalManaged.String())
	require.Equal(t, "local-appdata", ModeLocalAppData.String())
	require.Equal(t, "remote-credentials", ModeRemoteCredentials.String())
	require.Equal(t, "unknown-mode(9)", Mode(9).String())
}
