package dcrlauncher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/davecgh/go-spew/spew"
	"github.com/decred/dcrlauncher/build"
	"github.com/decred/dcrlauncher/cfgstore"
	"github.com/decred/dcrlauncher/chainreg"
	"github.com/decred/dcrlauncher/events"
	"github.com/decred/dcrlauncher/instance"
	"github.com/decred/dcrlauncher/launcher"
	"github.com/decred/dcrlauncher/monitoring"
	"github.com/decred/dcrlauncher/resolver"
	"github.com/decred/dcrlauncher/shutdown"
	"github.com/decred/dcrlauncher/syncmon"
	"github.com/decred/dcrlauncher/versioncheck"
	"golang.org/x/sync/errgroup"
)

const (
	// targetPollInterval is the delay between queries of the daemon's
	// best known peer height.
	targetPollInterval = 5 * time.Second

	versionCheckTimeout = versioncheck.DefaultTimeout

	// eventBufferSize is the number of events a slow subscriber may lag
	// behind before events are dropped for it.
	eventBufferSize = 64
)

// ErrShuttingDown is returned by operations requested after the shutdown
// sequence started.
var ErrShuttingDown = errors.New("application is shutting down")

// heightSource is the daemon view the sync monitor polls. TargetHeight is
// optional.
type heightSource interface {
	syncmon.HeightSource
	Close()
}

type targetSource interface {
	TargetHeight(ctx context.Context) (int64, error)
}

// appOptions are the injectable collaborators of an App.
type appOptions struct {
	spawner   launcher.Spawner
	checkNode launcher.NodeChecker
	window    shutdown.WindowHost
	heights   func(*launcher.DaemonSession) (heightSource, error)
	now       func() time.Time

	pollInterval time.Duration
}

// AppOption modifies the collaborators of an App.
type AppOption func(*appOptions)

// WithSpawner replaces the process spawner.
func WithSpawner(s launcher.Spawner) AppOption {
	return func(o *appOptions) { o.spawner = s }
}

// WithNodeChecker replaces the remote daemon check.
func WithNodeChecker(c launcher.NodeChecker) AppOption {
	return func(o *appOptions) { o.checkNode = c }
}

// WithWindowHost sets the window hidden during shutdown.
func WithWindowHost(w shutdown.WindowHost) AppOption {
	return func(o *appOptions) { o.window = w }
}

func withHeightSource(f func(*launcher.DaemonSession) (heightSource,
	error)) AppOption {

	return func(o *appOptions) { o.heights = f }
}

// advancedSource forces advanced mode on top of the persisted setting.
type advancedSource struct {
	resolver.Source
	force bool
}

func (s *advancedSource) DaemonAdvanced() (bool, error) {
	if s.force {
		return true, nil
	}
	return s.Source.DaemonAdvanced()
}

// App is the process lifecycle context. It owns the settings store, the
// instance arbiter, the launcher, the sync monitor and the shutdown
// coordinator, and publishes everything that happens on its broadcaster.
type App struct {
	cfg  *Config
	opts appOptions

	store       *cfgstore.Store
	arbiter     *instance.Arbiter
	launcher    *launcher.Launcher
	broadcaster *events.Broadcaster
	coordinator *shutdown.Coordinator
	metrics     *monitoring.Metrics
	versions    *versioncheck.Checker

	versionOnce sync.Once
	wg          sync.WaitGroup

	mu      sync.Mutex
	closing bool
	monitor *syncmon.Monitor
	heights heightSource
}

// NewApp opens the persisted settings, takes part in the single instance
// election and wires the launcher and shutdown coordinator.
func NewApp(cfg *Config, options ...AppOption) (*App, error) {
	opts := appOptions{
		heights: func(s *launcher.DaemonSession) (heightSource, error) {
			return launcher.NewHeightSource(s)
		},
		now: time.Now,
	}
	for _, o := range options {
		o(&opts)
	}

	store, err := cfgstore.Open(cfg.settingsPath(),
		cfgstore.DefaultOpenTimeout)
	if err != nil {
		return nil, fmt.Errorf("unable to open settings: %w", err)
	}

	arbiter, err := instance.Acquire(cfg.lockPath())
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:         cfg,
		opts:        opts,
		store:       store,
		arbiter:     arbiter,
		broadcaster: events.NewBroadcaster(eventBufferSize),
		metrics:     monitoring.NewMetrics(),
	}

	a.launcher, err = launcher.New(launcher.Config{
		Network:      cfg.Network(),
		AppDataDir:   cfg.AppDataDir,
		LogDir:       cfg.LogDir,
		DcrdAppData:  cfg.DcrdAppData,
		DcrdExe:      cfg.DcrdExe,
		DcrwalletExe: cfg.DcrwalletExe,
		DcrctlExe:    cfg.DcrctlExe,
		Primary:      arbiter.Primary(),
		Spawner:      opts.spawner,
		Settings:     store,
		Publisher:    a.broadcaster,
		Observer:     a.metrics,
		CheckNode:    opts.checkNode,
		StopTimeout:  cfg.ShutdownTimeout,

		WalletDialOptions: a.metrics.WalletDialOptions(),
	})
	if err != nil {
		_ = arbiter.Release()
		return nil, err
	}

	a.coordinator = shutdown.New(shutdown.Config{
		Terminator: a.launcher,
		Publisher:  a.broadcaster,
		Window:     opts.window,
		Timeout:    cfg.ShutdownTimeout,
	})
	a.coordinator.AddStopHook("sync monitor", a.closeMonitor)
	a.coordinator.AddStopHook("version check", a.wg.Wait)

	if !cfg.NoVersionCheck {
		a.versions = versioncheck.New(cfg.ReleasesURL, a.broadcaster)
	}

	return a, nil
}

// Subscribe returns a subscription to the application events.
func (a *App) Subscribe() *events.Subscription {
	return a.broadcaster.Subscribe()
}

// Store returns the persisted settings.
func (a *App) Store() *cfgstore.Store {
	return a.store
}

// Launcher returns the process launcher.
func (a *App) Launcher() *launcher.Launcher {
	return a.launcher
}

// SyncState returns the state of the current sync monitor.
func (a *App) SyncState() (syncmon.State, bool) {
	a.mu.Lock()
	m := a.monitor
	a.mu.Unlock()
	if m == nil {
		return syncmon.State{}, false
	}
	return m.State(), true
}

func (a *App) checkVersion() {
	if a.versions == nil {
		return
	}
	a.versionOnce.Do(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.closing {
			return
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(),
				versionCheckTimeout)
			defer cancel()
			a.versions.Check(ctx, build.Version())
		}()
	})
}

// PrepStartDaemon resolves how to reach dcrd for walletName, launches or
// attaches to it and starts a fresh sync monitor. It returns
// resolver.ErrAwaitUser when advanced mode lacks connection settings.
func (a *App) PrepStartDaemon(ctx context.Context, walletName string,
	formPending bool) (*launcher.DaemonSession, error) {

	if a.coordinator.Requested() {
		return nil, ErrShuttingDown
	}

	a.checkVersion()

	src := &advancedSource{Source: a.store, force: a.cfg.Advanced}
	advanced, err := src.DaemonAdvanced()
	if err != nil {
		return nil, err
	}
	if a.arbiter.ShouldBlock(advanced) {
		dcrlLog.Infof("Another launcher instance manages dcrd")
		a.broadcaster.Publish(events.SecondInstance{})
	}

	res, err := resolver.Resolve(src, resolver.Request{
		Wallet:      walletName,
		Network:     a.cfg.Network(),
		FormPending: formPending,
	})
	var ambErr *resolver.AmbiguousCredentialsError
	switch {
	case errors.As(err, &ambErr):
		a.broadcaster.Publish(events.CredentialsConflict{Err: err})
		return nil, err
	case err != nil:
		return nil, err
	}

	session, err := a.launcher.StartDaemon(ctx, launcher.DaemonRequest{
		Resolution: res,
		Advanced:   advanced,
	})
	if err != nil {
		return nil, err
	}

	if err := a.startMonitor(session); err != nil {
		return nil, err
	}
	return session, nil
}

// startMonitor replaces any running sync monitor with one tracking session.
func (a *App) startMonitor(session *launcher.DaemonSession) error {
	a.stopMonitor()

	heights, err := a.opts.heights(session)
	if err != nil {
		return fmt.Errorf("unable to create height source: %w", err)
	}

	m := syncmon.New(syncmon.Config{
		Source:       heights,
		Publisher:    a.broadcaster,
		Form:         a.store,
		Observer:     a.metrics,
		PollInterval: a.opts.pollInterval,
	})
	m.SetNeededBlocks(chainreg.EstimatedTipHeight(&a.cfg.ActiveNetParams,
		a.opts.now()))

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closing {
		heights.Close()
		return ErrShuttingDown
	}
	a.monitor = m
	a.heights = heights

	m.Start(context.Background())
	if ts, ok := heights.(targetSource); ok {
		a.wg.Add(1)
		go a.feedTarget(m, ts)
	}
	return nil
}

// feedTarget refines the monitor's target with the daemon's best known peer
// height until the monitor exits.
func (a *App) feedTarget(m *syncmon.Monitor, ts targetSource) {
	defer a.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-m.Done()
		cancel()
	}()

	ticker := time.NewTicker(targetPollInterval)
	defer ticker.Stop()

	for {
		target, err := ts.TargetHeight(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			dcrlLog.Debugf("Unable to query sync height: %v", err)
		case target > 0:
			m.SetNeededBlocks(target)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// closeMonitor stops the current sync monitor and prevents new ones from
// starting.
func (a *App) closeMonitor() {
	a.mu.Lock()
	a.closing = true
	a.mu.Unlock()

	a.stopMonitor()
}

func (a *App) stopMonitor() {
	a.mu.Lock()
	m, heights := a.monitor, a.heights
	a.monitor, a.heights = nil, nil
	a.mu.Unlock()

	if m != nil {
		m.Stop()
	}
	if heights != nil {
		heights.Close()
	}
}

// StartWallet launches the wallet walletName against the running daemon,
// records it as the previous wallet and publishes WalletReady.
func (a *App) StartWallet(ctx context.Context,
	walletName string) (*launcher.WalletSession, error) {

	if a.coordinator.Requested() {
		return nil, ErrShuttingDown
	}

	w, err := a.launcher.StartWallet(ctx, walletName)
	if err != nil {
		return nil, err
	}

	if err := a.store.SetPreviousWallet(walletName); err != nil {
		dcrlLog.Errorf("Unable to store previous wallet: %v", err)
	}

	a.broadcaster.Publish(events.WalletReady{
		WalletID: w.WalletID,
		Network:  string(w.Network),
		Port:     w.Port,
	})
	return w, nil
}

// StopWallet asks the running wallet to exit. The daemon keeps running and
// a later shutdown still stops the wallet first.
func (a *App) StopWallet() bool {
	return a.launcher.StopWallet()
}

// Shutdown runs the shutdown sequence once and marks the startup form to be
// shown on the next launch.
func (a *App) Shutdown(ctx context.Context) (bool, error) {
	stopped, err := a.coordinator.RequestShutdown(ctx)
	if serr := a.store.SetMustOpenForm(true); serr != nil {
		dcrlLog.Errorf("Unable to store startup form flag: %v", serr)
	}
	return stopped, err
}

// Close releases the resources held by the App. Shutdown must have been
// called before.
func (a *App) Close() {
	a.wg.Wait()
	a.broadcaster.Stop()
	if err := a.arbiter.Release(); err != nil {
		dcrlLog.Errorf("Unable to release instance lock: %v", err)
	}
}

// sdNotify reports state to the service manager when running under systemd.
func sdNotify(state string) {
	ok, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		dcrlLog.Warnf("Unable to notify systemd of %s: %v", state, err)
	case ok:
		dcrlLog.Debugf("Notified systemd: %s", state)
	}
}

// waitSynced blocks until sub delivers a SyncCompleted event.
func waitSynced(ctx context.Context, sub *events.Subscription) error {
	for {
		select {
		case e, ok := <-sub.Updates():
			if !ok {
				return ErrShuttingDown
			}
			if _, ok := e.(events.SyncCompleted); ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// run starts the daemon and, once it synced, the selected wallet. It then
// waits for ctx to be done.
func (a *App) run(ctx context.Context) error {
	versions := a.launcher.ExecutableVersions(ctx)
	versions["dcrlauncher"] = build.Version()
	dcrlLog.Infof("Versions: %v", versions)

	walletName := a.cfg.Wallet
	if walletName == "" {
		prev, err := a.store.PreviousWallet()
		if err != nil {
			return err
		}
		walletName = prev
	}

	syncSub := a.Subscribe()
	defer syncSub.Cancel()

	session, err := a.PrepStartDaemon(ctx, walletName, false)
	switch {
	case err != nil && ctx.Err() != nil:
		return nil

	case errors.Is(err, resolver.ErrAwaitUser):
		return fmt.Errorf("advanced daemon start mode needs a wallet " +
			"with a stored appdata directory or RPC credentials")

	case err != nil:
		return err
	}

	switch {
	case !a.arbiter.Primary() && !session.Advanced:
		dcrlLog.Infof("Not starting a wallet, another launcher " +
			"instance manages it")

	case walletName != "":
		if err := waitSynced(ctx, syncSub); err != nil {
			return nil
		}

		w, err := a.StartWallet(ctx, walletName)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			return err
		}

		vctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		ver, err := a.launcher.WalletVersion(vctx, w)
		cancel()
		if err != nil {
			dcrlLog.Warnf("Unable to query wallet version: %v", err)
		} else {
			dcrlLog.Infof("dcrwallet gRPC API version %s", ver)
		}
	}

	sdNotify(daemon.SdNotifyReady)
	<-ctx.Done()
	return nil
}

// Main is the true entry point for dcrlauncher. It runs until shutdownChan
// is closed or starting the daemon fails, then tears everything down.
func Main(cfg *Config, shutdownChan <-chan struct{},
	options ...AppOption) error {

	defer func() {
		dcrlLog.Info("Exiting")
		if err := cfg.LogWriter.Close(); err != nil {
			fmt.Printf("Unable to close log writer: %v\n", err)
		}
	}()

	dcrlLog.Infof("Version: %s commit=%s, logging=%s, debuglevel=%s",
		build.Version(), build.SourceCommit(), build.LoggingType,
		cfg.DebugLevel)
	dcrlLog.Infof("Active network: %s", cfg.Network())
	dcrlLog.Debugf("Config: %v", newLogClosure(func() string {
		return spew.Sdump(cfg)
	}))

	app, err := NewApp(cfg, options...)
	if err != nil {
		dcrlLog.Errorf("Unable to initialize: %v", err)
		return err
	}
	defer app.Close()

	if err := app.metrics.Start(&cfg.Prometheus); err != nil {
		return fmt.Errorf("unable to start prometheus exporter: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(),
			5*time.Second)
		defer cancel()
		if err := app.metrics.Stop(ctx); err != nil {
			dcrlLog.Errorf("Unable to stop prometheus exporter: %v", err)
		}
	}()

	eventSub := app.Subscribe()
	go func() {
		for e := range eventSub.Updates() {
			dcrlLog.Infof("Event %s: %v", e.EventName(),
				newLogClosure(func() string {
					return spew.Sdump(e)
				}))
		}
	}()

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return app.run(gctx)
	})
	g.Go(func() error {
		select {
		case <-shutdownChan:
			dcrlLog.Infof("Received shutdown request")
		case <-gctx.Done():
		}
		cancelRun()
		sdNotify(daemon.SdNotifyStopping)

		_, err := app.Shutdown(context.Background())
		return err
	})

	return g.Wait()
}
