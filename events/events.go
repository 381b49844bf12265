package events

import "fmt"

// Event is a notification published to the front-end about the state of the
// daemon, wallet or application lifecycle.
type Event interface {
	// EventName is the stable identifier of the event kind.
	EventName() string
}

// DaemonStarted is published once a daemon session became active.
type DaemonStarted struct {
	// Mode is the connection mode used to reach the daemon.
	Mode string

	// Network is the network the daemon runs on.
	Network string

	// PID is the process id of a launched daemon or -1 when attached.
	PID int
}

// DaemonStartError is published when the daemon could not be launched or
// attached to.
type DaemonStartError struct {
	Err error
}

// DaemonStopped is published once the daemon process exited.
type DaemonStopped struct{}

// SyncStarted is published when the first nonzero block height of a daemon
// session has been observed.
type SyncStarted struct {
	Height int64
}

// SyncProgress carries the current height together with an estimate of the
// remaining sync time.
type SyncProgress struct {
	Height      int64
	SecondsLeft int64
}

// SyncCompleted is published once the daemon reached the target height.
type SyncCompleted struct {
	Height int64
}

// WalletReady is published once a wallet process announced its gRPC port.
type WalletReady struct {
	WalletID string
	Network  string
	Port     int
}

// ShutdownRequested is published at the start of the teardown sequence.
type ShutdownRequested struct{}

// ShutdownFinished is published once the teardown sequence completed.
type ShutdownFinished struct {
	Stopped bool
	Err     error
}

// CredentialsConflict is published when both a local appdata directory and a
// full remote credential set are configured for the selected wallet.
type CredentialsConflict struct {
	Err error
}

// VersionMismatch is published when a newer release than the detected one
// is available.
type VersionMismatch struct {
	Latest   string
	Detected string
}

// SecondInstance is published when this process is not the primary instance
// and must not manage its own daemon.
type SecondInstance struct{}

func (DaemonStarted) EventName() string       { return "daemon-started" }
func (DaemonStartError) EventName() string    { return "daemon-start-error" }
func (DaemonStopped) EventName() string       { return "daemon-stopped" }
func (SyncStarted) EventName() string         { return "sync-started" }
func (SyncProgress) EventName() string        { return "sync-progress" }
func (SyncCompleted) EventName() string       { return "sync-completed" }
func (WalletReady) EventName() string         { return "wallet-ready" }
func (ShutdownRequested) EventName() string   { return "shutdown-requested" }
func (ShutdownFinished) EventName() string    { return "shutdown-finished" }
func (CredentialsConflict) EventName() string { return "credentials-conflict" }
func (VersionMismatch) EventName() string     { return "version-mismatch" }
func (SecondInstance) EventName() string      { return "second-instance" }

func (e SyncProgress) String() string {
	return fmt.Sprintf("height %d, ~%ds left", e.Height, e.SecondsLeft)
}
