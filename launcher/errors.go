package launcher

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDcrdConfig is returned when a dcrd.conf was expected but none
	// exists.
	ErrNoDcrdConfig = errors.New("no dcrd.conf found")

	// ErrNoDaemon is returned when a wallet is started without an active
	// daemon session.
	ErrNoDaemon = errors.New("daemon is not running")

	// ErrNoWalletPort is returned when the wallet did not report its gRPC
	// listener in time.
	ErrNoWalletPort = errors.New("wallet did not report its gRPC port")

	// ErrInvalidWalletName is returned for wallet names that cannot be
	// used as a directory name.
	ErrInvalidWalletName = errors.New("invalid wallet name")

	// ErrTerminating is returned by start operations once Terminate was
	// called.
	ErrTerminating = errors.New("launcher is shutting down")

	// ErrSecondaryInstance is returned when a secondary instance in
	// simple daemon start mode is asked to start a wallet.
	ErrSecondaryInstance = errors.New("another launcher instance " +
		"manages the wallet")

	// ErrKilled is returned when a child process did not exit before the
	// deadline and had to be killed.
	ErrKilled = errors.New("process killed after stop deadline")
)

// DaemonLaunchError is returned when the daemon could not be spawned or
// attached to.
type DaemonLaunchError struct {
	Err error
}

// Error implements the error interface.
func (e *DaemonLaunchError) Error() string {
	return fmt.Sprintf("unable to launch dcrd: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *DaemonLaunchError) Unwrap() error {
	return e.Err
}

// WalletLaunchError is returned when the wallet could not be spawned or did
// not become reachable.
type WalletLaunchError struct {
	Wallet string
	Err    error
}

// Error implements the error interface.
func (e *WalletLaunchError) Error() string {
	return fmt.Sprintf("unable to launch dcrwallet for %q: %v", e.Wallet,
		e.Err)
}

// Unwrap returns the underlying error.
func (e *WalletLaunchError) Unwrap() error {
	return e.Err
}

// ErrOtherWalletRunning is returned when a wallet is started while a
// different wallet is already running.
var ErrOtherWalletRunning = errors.New("another wallet is already running")
