package resolver

import (
	"errors"
	"fmt"

	"github.com/decred/dcrlauncher/cfgstore"
	"github.com/decred/dcrlauncher/chainreg"
)

// Mode is the way the launcher reaches the dcrd daemon.
type Mode uint8

const (
	// ModeLocalManaged runs a daemon owned by the launcher with the
	// launcher's default data directory.
	ModeLocalManaged Mode = iota

	// ModeLocalAppData runs a daemon against a user supplied data
	// directory.
	ModeLocalAppData

	// ModeRemoteCredentials attaches to an already running daemon using
	// explicit RPC credentials. No process is spawned.
	ModeRemoteCredentials
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeLocalManaged:
		return "local-managed"
	case ModeLocalAppData:
		return "local-appdata"
	case ModeRemoteCredentials:
		return "remote-credentials"
	default:
		return fmt.Sprintf("unknown-mode(%d)", uint8(m))
	}
}

// ErrAwaitUser signals that advanced mode lacks a usable connection source
// and nothing should be started until the user submits the startup form.
var ErrAwaitUser = errors.New("awaiting daemon connection settings")

// AmbiguousCredentialsError is returned when both a local data directory and
// a complete remote credential set are configured for the same wallet and
// network.
type AmbiguousCredentialsError struct {
	Wallet  string
	Network chainreg.Network
}

// Error implements the error interface.
func (e *AmbiguousCredentialsError) Error() string {
	return fmt.Sprintf("wallet %q on %s has both an appdata directory "+
		"and remote RPC credentials configured", e.Wallet, e.Network)
}

// Source provides the persisted settings the resolver inspects.
// cfgstore.Store implements it.
type Source interface {
	DaemonAdvanced() (bool, error)
	AppDataPath(net chainreg.Network, wallet string) (string, error)
	RemoteCredentials(net chainreg.Network,
		wallet string) (*cfgstore.RPCCredentials, error)
}

// Request is the input to Resolve.
type Request struct {
	// Wallet is the selected wallet identity. It may be empty before the
	// user picked one.
	Wallet string

	// Network is the selected network.
	Network chainreg.Network

	// FormPending is set while the startup form is open and its values
	// have not been submitted yet.
	FormPending bool
}

// Resolution is the selected connection mode together with the values needed
// to act on it. Credentials and AppData are never both set.
type Resolution struct {
	Mode        Mode
	Credentials *cfgstore.RPCCredentials
	AppData     string
}

// Resolve picks the daemon connection mode for req:
//
//  1. simple mode always selects ModeLocalManaged
//  2. a configured appdata directory selects ModeLocalAppData
//  3. a complete remote credential set selects ModeRemoteCredentials
//
// Both 2 and 3 at once is an AmbiguousCredentialsError. When advanced mode
// has neither, or the form is still pending, ErrAwaitUser is returned.
func Resolve(src Source, req Request) (*Resolution, error) {
	advanced, err := src.DaemonAdvanced()
	if err != nil {
		return nil, fmt.Errorf("unable to read daemon start mode: %w", err)
	}
	if !advanced {
		log.Debugf("Simple daemon start mode, using managed daemon")
		return &Resolution{Mode: ModeLocalManaged}, nil
	}

	if req.Wallet == "" {
		log.Debugf("Advanced mode without a selected wallet")
		return nil, ErrAwaitUser
	}

	appData, err := src.AppDataPath(req.Network, req.Wallet)
	if err != nil {
		return nil, fmt.Errorf("unable to read appdata path: %w", err)
	}
	creds, err := src.RemoteCredentials(req.Network, req.Wallet)
	if err != nil {
		return nil, fmt.Errorf("unable to read remote credentials: %w", err)
	}

	hasAppData := appData != ""
	hasCredentials := creds != nil && creds.Complete()

	if hasAppData && hasCredentials {
		err := &AmbiguousCredentialsError{
			Wallet:  req.Wallet,
			Network: req.Network,
		}
		log.Warnf("Refusing to start daemon: %v", err)
		return nil, err
	}

	if req.FormPending {
		return nil, ErrAwaitUser
	}

	switch {
	case hasAppData:
		log.Infof("Using appdata directory %s for wallet %q", appData,
			req.Wallet)
		return &Resolution{Mode: ModeLocalAppData, AppData: appData}, nil

	case hasCredentials:
		log.Infof("Using remote daemon %s:%s for wallet %q", creds.Host,
			creds.Port, req.Wallet)
		return &Resolution{
			Mode:        ModeRemoteCredentials,
			Credentials: creds,
		}, nil
	}

	return nil, ErrAwaitUser
}
