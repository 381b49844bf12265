package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/decred/dcrd/rpcclient/v8"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrlauncher/cfgstore"
	"github.com/decred/dcrlauncher/chainreg"
	"github.com/decred/dcrlauncher/events"
	"github.com/decred/dcrlauncher/resolver"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
)

const (
	// DefaultWalletPortTimeout bounds the wait for the wallet to report
	// its gRPC listener.
	DefaultWalletPortTimeout = 30 * time.Second

	// DefaultStopTimeout bounds fire-and-forget stops outside the
	// shutdown sequence.
	DefaultStopTimeout = 60 * time.Second

	// noPID is the PID of a daemon the launcher does not own.
	noPID = -1

	localhost = "127.0.0.1"
)

// SettingsSource returns the wallet settings snapshot. cfgstore.Store
// implements it.
type SettingsSource interface {
	WalletSettings(net chainreg.Network,
		wallet string) (*cfgstore.WalletSettings, error)
}

// ProcessObserver is told whenever a child process starts or stops.
type ProcessObserver interface {
	SetRunning(process string, running bool)
}

// NodeChecker verifies a remote daemon answers and runs on the wanted
// network.
type NodeChecker func(ctx context.Context, wantNet wire.CurrencyNet,
	rpcConfig rpcclient.ConnConfig) error

// Config holds the paths and collaborators of a Launcher.
type Config struct {
	// Network is the network daemons are started on.
	Network chainreg.Network

	// AppDataDir is the launcher's own data directory. Wallets and the
	// managed dcrd.conf live below it.
	AppDataDir string

	// LogDir receives the child process log files.
	LogDir string

	// DcrdAppData is the default dcrd data directory.
	DcrdAppData string

	DcrdExe      string
	DcrwalletExe string
	DcrctlExe    string

	// Primary is set when this process won the single instance election.
	Primary bool

	Spawner   Spawner
	Settings  SettingsSource
	Publisher events.Publisher

	// Observer is optional.
	Observer ProcessObserver

	// CheckNode defaults to chainreg.CheckDcrdNode.
	CheckNode NodeChecker

	WalletPortTimeout time.Duration
	StopTimeout       time.Duration

	// WalletDialOptions are appended to the options of every gRPC
	// connection to the wallet.
	WalletDialOptions []grpc.DialOption
}

// DaemonRequest is the input to StartDaemon.
type DaemonRequest struct {
	// Resolution is the connection mode picked by the resolver. Nil
	// means the managed daemon.
	Resolution *resolver.Resolution

	// Advanced is the persisted daemon start mode.
	Advanced bool
}

// DaemonSession describes the active daemon connection. A session whose
// PID is -1 is not owned by the launcher and is never terminated by it.
type DaemonSession struct {
	Mode    resolver.Mode
	Network chainreg.Network

	// AppData is the dcrd data directory of local sessions.
	AppData string

	// ConfigFile is the dcrd.conf used for local sessions.
	ConfigFile string

	// Credentials reach the daemon's JSON-RPC server.
	Credentials cfgstore.RPCCredentials

	// Advanced is the daemon start mode the session was requested with.
	Advanced bool

	PID int

	proc Process
}

// Owned reports whether the launcher spawned the daemon.
func (s *DaemonSession) Owned() bool {
	return s.proc != nil
}

// RPCAddress returns the host:port of the daemon's JSON-RPC server.
func (s *DaemonSession) RPCAddress() string {
	return net.JoinHostPort(s.Credentials.Host, s.Credentials.Port)
}

// ConnConfig builds an rpcclient configuration for the session.
func (s *DaemonSession) ConnConfig(httpPost bool) (*rpcclient.ConnConfig,
	error) {

	cert, err := os.ReadFile(s.Credentials.CertPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read dcrd RPC cert: %w", err)
	}

	return &rpcclient.ConnConfig{
		Host:         s.RPCAddress(),
		Endpoint:     "ws",
		User:         s.Credentials.User,
		Pass:         s.Credentials.Password,
		Certificates: cert,
		HTTPPostMode: httpPost,
	}, nil
}

// Launcher spawns, attaches to and stops the dcrd and dcrwallet processes.
// It is the only writer of the daemon and wallet sessions.
type Launcher struct {
	cfg    Config
	params *chainreg.DecredNetParams

	startGroup singleflight.Group

	mu          sync.Mutex
	daemon      *DaemonSession
	wallet      *WalletSession
	terminating bool

	// stoppingWallet is the wallet a StopWallet call is still waiting
	// on.
	stoppingWallet *WalletSession
}

// New returns a Launcher for cfg.
func New(cfg Config) (*Launcher, error) {
	params, err := chainreg.ParamsForNetwork(cfg.Network)
	if err != nil {
		return nil, err
	}
	if cfg.Spawner == nil {
		cfg.Spawner = ExecSpawner{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.PublisherFunc(func(events.Event) {})
	}
	if cfg.CheckNode == nil {
		cfg.CheckNode = chainreg.CheckDcrdNode
	}
	if cfg.WalletPortTimeout <= 0 {
		cfg.WalletPortTimeout = DefaultWalletPortTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}

	return &Launcher{cfg: cfg, params: params}, nil
}

// Daemon returns the active daemon session or nil.
func (l *Launcher) Daemon() *DaemonSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.daemon
}

func (l *Launcher) setRunning(process string, running bool) {
	if l.cfg.Observer != nil {
		l.cfg.Observer.SetRunning(process, running)
	}
}

// StartDaemon launches or attaches to dcrd. An existing session is returned
// as is, and concurrent callers share a single attempt.
func (l *Launcher) StartDaemon(ctx context.Context,
	req DaemonRequest) (*DaemonSession, error) {

	l.mu.Lock()
	if l.terminating {
		l.mu.Unlock()
		return nil, &DaemonLaunchError{Err: ErrTerminating}
	}
	if s := l.daemon; s != nil {
		l.mu.Unlock()
		log.Infof("dcrd already started (pid %d)", s.PID)
		return s, nil
	}
	l.mu.Unlock()

	v, err, shared := l.startGroup.Do("dcrd", func() (interface{}, error) {
		if s := l.Daemon(); s != nil {
			return s, nil
		}

		s, err := l.startDaemon(ctx, req)
		if err != nil {
			err = &DaemonLaunchError{Err: err}
			log.Errorf("%v", err)
			l.cfg.Publisher.Publish(events.DaemonStartError{Err: err})
			return nil, err
		}

		l.mu.Lock()
		if l.terminating {
			l.mu.Unlock()
			l.discardDaemon(s)
			return nil, &DaemonLaunchError{Err: ErrTerminating}
		}
		s.Advanced = req.Advanced
		l.daemon = s
		l.mu.Unlock()

		if s.Owned() {
			l.setRunning("dcrd", true)
			go l.watchDaemon(s)
		}
		l.cfg.Publisher.Publish(events.DaemonStarted{
			Mode:    s.Mode.String(),
			Network: string(s.Network),
			PID:     s.PID,
		})
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debugf("Joined in-flight dcrd start")
	}
	return v.(*DaemonSession), nil
}

func (l *Launcher) startDaemon(ctx context.Context,
	req DaemonRequest) (*DaemonSession, error) {

	if !req.Advanced && !l.cfg.Primary {
		log.Infof("Running on secondary instance. Assuming dcrd is " +
			"already running.")
		return l.attachManaged()
	}

	res := req.Resolution
	if res == nil {
		res = &resolver.Resolution{Mode: resolver.ModeLocalManaged}
	}

	switch res.Mode {
	case resolver.ModeRemoteCredentials:
		return l.attachRemote(ctx, res.Credentials)

	case resolver.ModeLocalAppData:
		log.Infof("Launching dcrd with appdata directory %s",
			res.AppData)
		confPath, err := ensureDcrdConf(res.AppData)
		if err != nil {
			return nil, err
		}
		return l.spawnDcrd(res.Mode, res.AppData, confPath)

	default:
		confPath, err := ensureDcrdConf(l.cfg.DcrdAppData,
			l.cfg.AppDataDir)
		if err != nil {
			return nil, err
		}
		return l.spawnDcrd(resolver.ModeLocalManaged,
			l.cfg.DcrdAppData, confPath)
	}
}

// localCredentials derives the RPC credentials of a local dcrd from its
// config file.
func (l *Launcher) localCredentials(appData,
	confPath string) (cfgstore.RPCCredentials, error) {

	conf, err := readDcrdConf(confPath)
	if err != nil {
		return cfgstore.RPCCredentials{}, fmt.Errorf("unable to read "+
			"%s: %w", confPath, err)
	}

	certPath := conf.RPCCert
	if certPath == "" {
		certPath = filepath.Join(appData, dcrdCertFilename)
	}

	return cfgstore.RPCCredentials{
		User:     conf.RPCUser,
		Password: conf.RPCPass,
		CertPath: certPath,
		Host:     localhost,
		Port:     conf.rpcPort(l.params.DcrdRPCPort),
	}, nil
}

// attachManaged reads the managed dcrd.conf without creating or spawning
// anything.
func (l *Launcher) attachManaged() (*DaemonSession, error) {
	confPath, err := findDcrdConf(l.cfg.DcrdAppData, l.cfg.AppDataDir)
	if err != nil {
		return nil, err
	}
	creds, err := l.localCredentials(l.cfg.DcrdAppData, confPath)
	if err != nil {
		return nil, err
	}

	return &DaemonSession{
		Mode:        resolver.ModeLocalManaged,
		Network:     l.cfg.Network,
		AppData:     l.cfg.DcrdAppData,
		ConfigFile:  confPath,
		Credentials: creds,
		PID:         noPID,
	}, nil
}

func (l *Launcher) attachRemote(ctx context.Context,
	creds *cfgstore.RPCCredentials) (*DaemonSession, error) {

	if creds == nil || !creds.Complete() {
		return nil, errors.New("incomplete remote RPC credentials")
	}

	s := &DaemonSession{
		Mode:        resolver.ModeRemoteCredentials,
		Network:     l.cfg.Network,
		Credentials: *creds,
		PID:         noPID,
	}

	connCfg, err := s.ConnConfig(false)
	if err != nil {
		return nil, err
	}
	err = l.cfg.CheckNode(ctx, l.params.Net, *connCfg)
	switch {
	case errors.Is(err, chainreg.ErrNetworkMismatch):
		return nil, err
	case err != nil:
		log.Warnf("Remote dcrd at %s not reachable yet: %v",
			s.RPCAddress(), err)
	}

	log.Infof("Using remote dcrd at %s", s.RPCAddress())
	return s, nil
}

func (l *Launcher) spawnDcrd(mode resolver.Mode, appData,
	confPath string) (*DaemonSession, error) {

	creds, err := l.localCredentials(appData, confPath)
	if err != nil {
		return nil, err
	}

	args := []string{
		"--appdata=" + appData,
		"--configfile=" + confPath,
	}
	if chainreg.IsTestnet(l.params) {
		args = append(args, "--testnet")
	}

	proc, err := l.cfg.Spawner.Spawn(&Command{
		Name:    "dcrd",
		Path:    l.cfg.DcrdExe,
		Args:    args,
		LogFile: filepath.Join(l.cfg.LogDir, "dcrd.log"),
	})
	if err != nil {
		return nil, err
	}

	log.Infof("dcrd started with pid %d", proc.Pid())
	return &DaemonSession{
		Mode:        mode,
		Network:     l.cfg.Network,
		AppData:     appData,
		ConfigFile:  confPath,
		Credentials: creds,
		PID:         proc.Pid(),
		proc:        proc,
	}, nil
}

// watchDaemon clears the session once an owned daemon exits.
func (l *Launcher) watchDaemon(s *DaemonSession) {
	<-s.proc.Done()

	l.mu.Lock()
	if l.daemon == s {
		l.daemon = nil
	}
	terminating := l.terminating
	l.mu.Unlock()

	if !terminating {
		log.Errorf("dcrd (pid %d) exited unexpectedly: %v", s.PID,
			s.proc.Err())
	} else {
		log.Infof("dcrd (pid %d) exited", s.PID)
	}
	l.setRunning("dcrd", false)
	l.cfg.Publisher.Publish(events.DaemonStopped{})
}

// discardDaemon stops a daemon that was started after Terminate began.
func (l *Launcher) discardDaemon(s *DaemonSession) {
	if !s.Owned() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(),
		l.cfg.StopTimeout)
	defer cancel()
	stopProcess(ctx, "dcrd", s.proc, func() error {
		return l.rpcStop(s)
	})
}

// rpcStop asks dcrd to exit through its RPC server.
func (l *Launcher) rpcStop(s *DaemonSession) error {
	connCfg, err := s.ConnConfig(true)
	if err != nil {
		return err
	}
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return err
	}
	defer client.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(),
		10*time.Second)
	defer cancel()
	_, err = client.RawRequest(ctx, "stop", nil)
	return err
}

// Terminate stops the wallet and then the daemon, killing whatever is still
// running once ctx is done. Sessions the launcher does not own are only
// forgotten. It reports whether every owned process is known to have
// exited. No new process is started after Terminate was called.
func (l *Launcher) Terminate(ctx context.Context) (bool, error) {
	l.mu.Lock()
	l.terminating = true
	w, d := l.wallet, l.daemon
	if w == nil {
		w = l.stoppingWallet
	}
	l.wallet, l.daemon = nil, nil
	l.mu.Unlock()

	stopped := true
	var errs []error

	if w != nil {
		ok, err := l.stopWallet(ctx, w)
		stopped = stopped && ok
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch {
	case d == nil:

	case d.Owned():
		ok, err := stopProcess(ctx, "dcrd", d.proc, func() error {
			return l.rpcStop(d)
		})
		stopped = stopped && ok
		if err != nil {
			errs = append(errs, err)
		}

	default:
		log.Infof("Leaving unowned dcrd at %s running", d.RPCAddress())
		l.cfg.Publisher.Publish(events.DaemonStopped{})
	}

	return stopped, errors.Join(errs...)
}
