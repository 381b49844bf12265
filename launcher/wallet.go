package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/decred/dcrlauncher/cfgstore"
	"github.com/decred/dcrlauncher/chainreg"
)

const (
	walletCertFilename = "rpc.cert"
	walletKeyFilename  = "rpc.key"
)

// WalletSession describes a running dcrwallet.
type WalletSession struct {
	WalletID string
	Network  chainreg.Network

	// Dir is the wallet's appdata directory.
	Dir string

	// Port is the gRPC port the wallet bound.
	Port int

	PID int

	// Settings is the snapshot read when the wallet was launched.
	Settings *cfgstore.WalletSettings

	proc Process

	// pipeRX is the launcher's end of the pipe the wallet reads from.
	// Closing it asks the wallet to exit.
	pipeRX   *ipcPipePair
	pipeOnce sync.Once
}

// CertPath returns the wallet's gRPC TLS certificate.
func (w *WalletSession) CertPath() string {
	return filepath.Join(w.Dir, walletCertFilename)
}

// KeyPath returns the wallet's gRPC TLS key.
func (w *WalletSession) KeyPath() string {
	return filepath.Join(w.Dir, walletKeyFilename)
}

// GRPCAddress returns the host:port of the wallet's gRPC server.
func (w *WalletSession) GRPCAddress() string {
	return net.JoinHostPort(localhost, strconv.Itoa(w.Port))
}

func (w *WalletSession) releasePipe() error {
	w.pipeOnce.Do(func() {
		if w.pipeRX != nil {
			w.pipeRX.closeWrite()
		}
	})
	return nil
}

// Wallet returns the running wallet session or nil.
func (l *Launcher) Wallet() *WalletSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wallet
}

// StartWallet launches dcrwallet for walletID against the active daemon
// session and waits until the wallet reported its gRPC port. Starting the
// running wallet again returns its session.
func (l *Launcher) StartWallet(ctx context.Context,
	walletID string) (*WalletSession, error) {

	if err := validWalletName(walletID); err != nil {
		return nil, &WalletLaunchError{Wallet: walletID, Err: err}
	}

	l.mu.Lock()
	if l.terminating {
		l.mu.Unlock()
		return nil, &WalletLaunchError{Wallet: walletID,
			Err: ErrTerminating}
	}
	if w := l.wallet; w != nil {
		l.mu.Unlock()
		if w.WalletID != walletID {
			return nil, &WalletLaunchError{Wallet: walletID,
				Err: ErrOtherWalletRunning}
		}
		log.Infof("dcrwallet already started (pid %d)", w.PID)
		return w, nil
	}
	d := l.daemon
	l.mu.Unlock()

	if d == nil {
		return nil, &WalletLaunchError{Wallet: walletID, Err: ErrNoDaemon}
	}
	if !l.cfg.Primary && !d.Advanced {
		return nil, &WalletLaunchError{Wallet: walletID,
			Err: ErrSecondaryInstance}
	}

	v, err, _ := l.startGroup.Do("dcrwallet:"+walletID, func() (interface{}, error) {
		if w := l.Wallet(); w != nil && w.WalletID == walletID {
			return w, nil
		}

		w, err := l.launchWallet(ctx, d, walletID)
		if err != nil {
			err = &WalletLaunchError{Wallet: walletID, Err: err}
			log.Errorf("%v", err)
			return nil, err
		}

		l.mu.Lock()
		if l.terminating {
			l.mu.Unlock()
			l.discardWallet(w)
			return nil, &WalletLaunchError{Wallet: walletID,
				Err: ErrTerminating}
		}
		l.wallet = w
		l.mu.Unlock()

		l.setRunning("dcrwallet", true)
		go l.watchWallet(w)
		return w, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*WalletSession), nil
}

func (l *Launcher) walletSettings(walletID string) (*cfgstore.WalletSettings,
	error) {

	if l.cfg.Settings == nil {
		return cfgstore.DefaultWalletSettings(), nil
	}
	settings, err := l.cfg.Settings.WalletSettings(l.cfg.Network, walletID)
	if errors.Is(err, cfgstore.ErrWalletNotFound) {
		log.Warnf("No settings stored for wallet %q, using defaults",
			walletID)
		return cfgstore.DefaultWalletSettings(), nil
	}
	return settings, err
}

// walletArgs builds the dcrwallet command line. The pipe arguments are
// appended by the caller.
func (l *Launcher) walletArgs(d *DaemonSession, dir string,
	settings *cfgstore.WalletSettings) []string {

	args := []string{
		"--appdata=" + dir,
		"--nolegacyrpc",
		"--grpclisten=" + net.JoinHostPort(localhost, "0"),
		"--tlscurve=P-256",
		"--rpccert=" + filepath.Join(dir, walletCertFilename),
		"--rpckey=" + filepath.Join(dir, walletKeyFilename),
		"--clientcafile=" + filepath.Join(dir, walletCertFilename),
		"--rpclistenerevents",
		"--rpcconnect=" + d.RPCAddress(),
		"--username=" + d.Credentials.User,
		"--password=" + d.Credentials.Password,
		"--cafile=" + d.Credentials.CertPath,
	}
	if chainreg.IsTestnet(l.params) {
		args = append(args, "--testnet")
	}
	if settings.GapLimit > 0 {
		args = append(args, fmt.Sprintf("--gaplimit=%d",
			settings.GapLimit))
	}
	if settings.BalanceToMaintain > 0 {
		args = append(args, fmt.Sprintf(
			"--ticketbuyer.balancetomaintainabsolute=%v",
			settings.BalanceToMaintain))
	}
	if pool, ok := settings.ActiveStakePool(l.cfg.Network); ok {
		log.Infof("Using stake pool %s", pool.Host)
	}
	return args
}

func (l *Launcher) launchWallet(ctx context.Context, d *DaemonSession,
	walletID string) (*WalletSession, error) {

	settings, err := l.walletSettings(walletID)
	if err != nil {
		return nil, fmt.Errorf("unable to read wallet settings: %w", err)
	}

	dir := l.WalletDir(walletID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	pipeTX, err := newIPCPipePair()
	if err != nil {
		return nil, fmt.Errorf("unable to create pipe for dcrwallet "+
			"IPC: %w", err)
	}
	pipeRX, err := newIPCPipePair()
	if err != nil {
		pipeTX.close()
		return nil, fmt.Errorf("unable to create pipe for dcrwallet "+
			"IPC: %w", err)
	}

	files := []*os.File{pipeTX.w, pipeRX.r}
	args := l.walletArgs(d, dir, settings)
	args = append(args,
		"--pipetx="+pipeFdArg(files, 0),
		"--piperx="+pipeFdArg(files, 1),
	)

	proc, err := l.cfg.Spawner.Spawn(&Command{
		Name:       "dcrwallet",
		Path:       l.cfg.DcrwalletExe,
		Args:       args,
		LogFile:    filepath.Join(l.cfg.LogDir, "dcrwallet.log"),
		ExtraFiles: files,
	})
	if err != nil {
		pipeTX.close()
		pipeRX.close()
		return nil, err
	}

	// The child holds its own copies now.
	pipeTX.closeWrite()
	pipeRX.closeRead()

	w := &WalletSession{
		WalletID: walletID,
		Network:  l.cfg.Network,
		Dir:      dir,
		PID:      proc.Pid(),
		Settings: settings,
		proc:     proc,
		pipeRX:   pipeRX,
	}

	portChan := make(chan int, 1)
	go readWalletIPC(pipeTX, portChan)

	timeout := time.NewTimer(l.cfg.WalletPortTimeout)
	defer timeout.Stop()

	select {
	case w.Port = <-portChan:
		log.Infof("dcrwallet (pid %d) listening for gRPC on port %d",
			w.PID, w.Port)
		return w, nil

	case <-proc.Done():
		err = fmt.Errorf("dcrwallet exited: %v", proc.Err())

	case <-timeout.C:
		err = ErrNoWalletPort

	case <-ctx.Done():
		err = ctx.Err()
	}

	l.discardWallet(w)
	return nil, err
}

// readWalletIPC reads wallet IPC messages until the pipe closes and reports
// the first bound gRPC listener port.
func readWalletIPC(pipe *ipcPipePair, portChan chan<- int) {
	defer pipe.closeRead()

	sent := false
	for {
		msg, err := nextIPCMessage(pipe.r)
		if err != nil {
			log.Debugf("dcrwallet IPC pipe closed: %v", err)
			return
		}

		switch msg := msg.(type) {
		case boundGRPCListenAddrEvent:
			if sent {
				continue
			}
			_, portStr, err := net.SplitHostPort(string(msg))
			if err != nil {
				log.Warnf("Invalid gRPC listen address %q", msg)
				continue
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				log.Warnf("Invalid gRPC listen port %q", portStr)
				continue
			}
			portChan <- port
			sent = true

		case boundJSONRPCListenAddrEvent:
			log.Debugf("dcrwallet JSON-RPC listening on %s", msg)

		case unknownIPCEvent:
			log.Tracef("Ignoring dcrwallet IPC message %q", msg.mtype)
		}
	}
}

func (l *Launcher) watchWallet(w *WalletSession) {
	<-w.proc.Done()
	w.releasePipe()

	l.mu.Lock()
	if l.wallet == w {
		l.wallet = nil
	}
	l.mu.Unlock()

	log.Infof("dcrwallet (pid %d) exited: %v", w.PID, w.proc.Err())
	l.setRunning("dcrwallet", false)
}

func (l *Launcher) stopWallet(ctx context.Context, w *WalletSession) (bool,
	error) {

	stopped, err := stopProcess(ctx, "dcrwallet", w.proc, w.releasePipe)
	w.releasePipe()
	return stopped, err
}

func (l *Launcher) discardWallet(w *WalletSession) {
	ctx, cancel := context.WithTimeout(context.Background(),
		l.cfg.StopTimeout)
	defer cancel()
	l.stopWallet(ctx, w)
}

// StopWallet asks the running wallet to exit without waiting for it. It
// always acknowledges. Terminate still waits for a wallet stopped this way
// before it stops the daemon.
func (l *Launcher) StopWallet() bool {
	l.mu.Lock()
	w := l.wallet
	l.wallet = nil
	if w != nil {
		l.stoppingWallet = w
	}
	l.mu.Unlock()

	if w == nil {
		return true
	}

	log.Infof("Stopping dcrwallet (pid %d)", w.PID)
	go func() {
		l.discardWallet(w)

		l.mu.Lock()
		if l.stoppingWallet == w {
			l.stoppingWallet = nil
		}
		l.mu.Unlock()
	}()
	return true
}
