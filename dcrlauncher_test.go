package dcrlauncher

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/decred/dcrlauncher/cfgstore"
	"github.com/decred/dcrlauncher/chainreg"
	"github.com/decred/dcrlauncher/events"
	"github.com/decred/dcrlauncher/launcher"
	"github.com/decred/dcrlauncher/resolver"
	"github.com/decred/dcrlauncher/shutdown"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	pid  int
	hang bool
	once sync.Once
	done chan struct{}
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return nil }
func (p *fakeProcess) Kill() error           { p.exit(); return nil }

func (p *fakeProcess) Signal(os.Signal) error {
	if !p.hang {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) exit() {
	p.once.Do(func() { close(p.done) })
}

type fakeSpawner struct {
	mu    sync.Mutex
	names []string
	pid   int

	// hang lists processes that ignore interrupts.
	hang map[string]bool
	// procs holds the last process spawned per name.
	procs map[string]*fakeProcess
}

// writeListenerEvent writes a single dcrwallet IPC frame announcing addr.
func writeListenerEvent(f *os.File, mtype, addr string) error {
	frame := []byte{1, byte(len(mtype))}
	frame = append(frame, mtype...)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(addr)))
	frame = append(frame, addr...)
	_, err := f.Write(frame)
	return err
}

func (s *fakeSpawner) Spawn(c *launcher.Command) (launcher.Process, error) {
	s.mu.Lock()
	s.names = append(s.names, c.Name)
	s.pid++
	p := &fakeProcess{
		pid:  2000 + s.pid,
		hang: s.hang[c.Name],
		done: make(chan struct{}),
	}
	if s.procs == nil {
		s.procs = make(map[string]*fakeProcess)
	}
	s.procs[c.Name] = p
	s.mu.Unlock()

	if c.Name == "dcrwallet" {
		err := writeListenerEvent(c.ExtraFiles[0], "grpclistener",
			"127.0.0.1:19558")
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (s *fakeSpawner) proc(name string) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[name]
}

func (s *fakeSpawner) spawned() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

type fakeHeights struct {
	height int64
	target int64
	closed int32
}

func (h *fakeHeights) BlockCount(context.Context) (int64, error) {
	return atomic.LoadInt64(&h.height), nil
}

func (h *fakeHeights) TargetHeight(context.Context) (int64, error) {
	return atomic.LoadInt64(&h.target), nil
}

func (h *fakeHeights) Close() {
	atomic.StoreInt32(&h.closed, 1)
}

type appHarness struct {
	t       *testing.T
	cfg     *Config
	spawner *fakeSpawner
	heights *fakeHeights
}

func newAppHarness(t *testing.T) *appHarness {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.AppDataDir = filepath.Join(dir, "launcher")
	cfg.LogDir = filepath.Join(dir, "logs")
	cfg.DcrdAppData = filepath.Join(dir, "dcrd")
	cfg.DcrdExe = ""
	cfg.DcrwalletExe = ""
	cfg.DcrctlExe = ""
	cfg.TestNet = true
	cfg.NoVersionCheck = true
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.ActiveNetParams = chainreg.DecredTestNetParams
	require.NoError(t, os.MkdirAll(cfg.AppDataDir, 0700))

	return &appHarness{
		t:       t,
		cfg:     &cfg,
		spawner: &fakeSpawner{},
		heights: &fakeHeights{height: 100, target: 100},
	}
}

func (h *appHarness) options() []AppOption {
	return []AppOption{
		WithSpawner(h.spawner),
		withHeightSource(func(*launcher.DaemonSession) (heightSource,
			error) {

			return h.heights, nil
		}),
		func(o *appOptions) { o.pollInterval = 10 * time.Millisecond },
	}
}

func (h *appHarness) newApp() *App {
	app, err := NewApp(h.cfg, h.options()...)
	require.NoError(h.t, err)
	h.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(),
			5*time.Second)
		defer cancel()
		_, _ = app.Shutdown(ctx)
		app.Close()
	})
	return app
}

// waitEvent returns the first event of type T delivered on sub.
func waitEvent[T events.Event](t *testing.T, sub *events.Subscription) T {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-sub.Updates():
			require.True(t, ok, "subscription closed")
			if v, ok := e.(T); ok {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("timeout waiting for %s", zero.EventName())
		}
	}
}

// TestAppLifecycle starts the managed daemon, waits for the sync to finish,
// starts a wallet and shuts everything down.
func TestAppLifecycle(t *testing.T) {
	h := newAppHarness(t)
	app := h.newApp()
	sub := app.Subscribe()
	defer sub.Cancel()

	require.NoError(t, app.Store().SetMustOpenForm(true))

	ctx := context.Background()
	session, err := app.PrepStartDaemon(ctx, "", false)
	require.NoError(t, err)
	require.True(t, session.Owned())
	require.Equal(t, resolver.ModeLocalManaged, session.Mode)

	started := waitEvent[events.DaemonStarted](t, sub)
	require.Equal(t, session.PID, started.PID)

	completed := waitEvent[events.SyncCompleted](t, sub)
	require.EqualValues(t, 100, completed.Height)

	state, ok := app.SyncState()
	require.True(t, ok)
	require.EqualValues(t, 100, state.NeededBlocks)

	mustOpen, err := app.Store().MustOpenForm()
	require.NoError(t, err)
	require.False(t, mustOpen)

	w, err := app.StartWallet(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, 19558, w.Port)

	ready := waitEvent[events.WalletReady](t, sub)
	require.Equal(t, "default", ready.WalletID)

	prev, err := app.Store().PreviousWallet()
	require.NoError(t, err)
	require.Equal(t, "default", prev)

	stopped, err := app.Shutdown(ctx)
	require.NoError(t, err)
	require.True(t, stopped)
	require.Equal(t, int32(1), atomic.LoadInt32(&h.heights.closed))

	finished := waitEvent[events.ShutdownFinished](t, sub)
	require.True(t, finished.Stopped)

	mustOpen, err = app.Store().MustOpenForm()
	require.NoError(t, err)
	require.True(t, mustOpen)

	require.Equal(t, []string{"dcrd", "dcrwallet"}, h.spawner.spawned())
}

// TestPrepStartDaemonAwaitUser asserts advanced mode without stored settings
// waits for user input and spawns nothing.
func TestPrepStartDaemonAwaitUser(t *testing.T) {
	h := newAppHarness(t)
	app := h.newApp()

	require.NoError(t, app.Store().SetDaemonAdvanced(true))

	_, err := app.PrepStartDaemon(context.Background(), "", false)
	require.ErrorIs(t, err, resolver.ErrAwaitUser)

	_, err = app.PrepStartDaemon(context.Background(), "w1", false)
	require.ErrorIs(t, err, resolver.ErrAwaitUser)

	require.Empty(t, h.spawner.spawned())
}

// TestPrepStartDaemonAdvancedFlag asserts the command line flag forces
// advanced mode over the persisted setting.
func TestPrepStartDaemonAdvancedFlag(t *testing.T) {
	h := newAppHarness(t)
	h.cfg.Advanced = true
	app := h.newApp()

	_, err := app.PrepStartDaemon(context.Background(), "", false)
	require.ErrorIs(t, err, resolver.ErrAwaitUser)
}

// TestPrepStartDaemonConflict asserts a wallet with both an appdata path and
// remote credentials is rejected with a conflict event.
func TestPrepStartDaemonConflict(t *testing.T) {
	h := newAppHarness(t)
	app := h.newApp()
	sub := app.Subscribe()
	defer sub.Cancel()

	net := h.cfg.Network()
	store := app.Store()
	require.NoError(t, store.SetDaemonAdvanced(true))
	require.NoError(t, store.SetAppDataPath(net, "w1", t.TempDir()))
	require.NoError(t, store.SetRemoteCredentials(net, "w1",
		&cfgstore.RPCCredentials{
			User:     "u",
			Password: "p",
			CertPath: "rpc.cert",
			Host:     "127.0.0.1",
			Port:     "19109",
		}))

	_, err := app.PrepStartDaemon(context.Background(), "w1", false)
	var ambErr *resolver.AmbiguousCredentialsError
	require.True(t, errors.As(err, &ambErr))
	require.Equal(t, "w1", ambErr.Wallet)

	conflict := waitEvent[events.CredentialsConflict](t, sub)
	require.ErrorAs(t, conflict.Err, &ambErr)
	require.Empty(t, h.spawner.spawned())
}

// TestSecondInstance asserts a second App on the same appdata directory
// attaches to the daemon of the first one.
func TestSecondInstance(t *testing.T) {
	h := newAppHarness(t)
	first := h.newApp()

	_, err := first.PrepStartDaemon(context.Background(), "", false)
	require.NoError(t, err)

	second := h.newApp()
	sub := second.Subscribe()
	defer sub.Cancel()

	session, err := second.PrepStartDaemon(context.Background(), "", false)
	require.NoError(t, err)
	require.False(t, session.Owned())

	waitEvent[events.SecondInstance](t, sub)
	require.False(t, session.Advanced)

	_, err = second.StartWallet(context.Background(), "w1")
	var wle *launcher.WalletLaunchError
	require.ErrorAs(t, err, &wle)
	require.ErrorIs(t, err, launcher.ErrSecondaryInstance)
	require.Equal(t, []string{"dcrd"}, h.spawner.spawned())
}

// TestMainSecondInstance asserts Main on a secondary instance attaches to
// the daemon and leaves the wallet to the primary one.
func TestMainSecondInstance(t *testing.T) {
	h := newAppHarness(t)
	first := h.newApp()
	_, err := first.PrepStartDaemon(context.Background(), "", false)
	require.NoError(t, err)

	cfg := *h.cfg
	cfg.Wallet = "w1"
	monitorStarted := make(chan struct{})
	var once sync.Once
	opts := append(h.options(), withHeightSource(
		func(*launcher.DaemonSession) (heightSource, error) {
			once.Do(func() { close(monitorStarted) })
			return h.heights, nil
		},
	))

	shutdownChan := make(chan struct{})
	errChan := make(chan error, 1)
	go func() {
		errChan <- Main(&cfg, shutdownChan, opts...)
	}()

	select {
	case <-monitorStarted:
	case err := <-errChan:
		t.Fatalf("Main returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon not attached")
	}

	// The heights are already synced, so a wallet would start right away.
	require.Never(t, func() bool {
		return len(h.spawner.spawned()) > 1
	}, 200*time.Millisecond, 10*time.Millisecond)
	close(shutdownChan)

	select {
	case err := <-errChan:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Main did not return")
	}

	require.Equal(t, []string{"dcrd"}, h.spawner.spawned())
}

// TestShutdownKillsHungDaemon asserts a daemon ignoring the interrupt is
// killed at the shutdown deadline and the shutdown is reported as failed.
func TestShutdownKillsHungDaemon(t *testing.T) {
	h := newAppHarness(t)
	h.cfg.ShutdownTimeout = 30 * time.Millisecond
	h.spawner.hang = map[string]bool{"dcrd": true}
	app := h.newApp()
	sub := app.Subscribe()
	defer sub.Cancel()

	_, err := app.PrepStartDaemon(context.Background(), "", false)
	require.NoError(t, err)

	stopped, err := app.Shutdown(context.Background())
	require.False(t, stopped)
	require.ErrorIs(t, err, launcher.ErrKilled)
	var sfe *shutdown.ShutdownFailedError
	require.ErrorAs(t, err, &sfe)

	finished := waitEvent[events.ShutdownFinished](t, sub)
	require.False(t, finished.Stopped)
	require.ErrorIs(t, finished.Err, launcher.ErrKilled)
}

// TestAppStopWallet asserts the wallet can be stopped while the daemon keeps
// running and a later start launches a new wallet.
func TestAppStopWallet(t *testing.T) {
	h := newAppHarness(t)
	app := h.newApp()
	ctx := context.Background()

	_, err := app.PrepStartDaemon(ctx, "", false)
	require.NoError(t, err)
	_, err = app.StartWallet(ctx, "w1")
	require.NoError(t, err)
	wallet := h.spawner.proc("dcrwallet")

	require.True(t, app.StopWallet())
	require.Nil(t, app.Launcher().Wallet())
	select {
	case <-wallet.done:
	case <-time.After(5 * time.Second):
		t.Fatal("wallet not stopped")
	}

	select {
	case <-h.spawner.proc("dcrd").done:
		t.Fatal("daemon stopped with the wallet")
	default:
	}

	_, err = app.StartWallet(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, []string{"dcrd", "dcrwallet", "dcrwallet"},
		h.spawner.spawned())
}

// TestStartsRejectedAfterShutdown asserts no process is started once the
// shutdown sequence began.
func TestStartsRejectedAfterShutdown(t *testing.T) {
	h := newAppHarness(t)
	app := h.newApp()

	stopped, err := app.Shutdown(context.Background())
	require.NoError(t, err)
	require.True(t, stopped)

	_, err = app.PrepStartDaemon(context.Background(), "", false)
	require.ErrorIs(t, err, ErrShuttingDown)

	_, err = app.StartWallet(context.Background(), "w1")
	require.ErrorIs(t, err, ErrShuttingDown)

	require.Empty(t, h.spawner.spawned())
}

// TestMainShutdown runs Main until the shutdown channel is closed.
func TestMainShutdown(t *testing.T) {
	h := newAppHarness(t)

	monitorStarted := make(chan struct{})
	var once sync.Once
	opts := append(h.options(), withHeightSource(
		func(*launcher.DaemonSession) (heightSource, error) {
			once.Do(func() { close(monitorStarted) })
			return h.heights, nil
		},
	))

	shutdownChan := make(chan struct{})
	errChan := make(chan error, 1)
	go func() {
		errChan <- Main(h.cfg, shutdownChan, opts...)
	}()

	select {
	case <-monitorStarted:
	case err := <-errChan:
		t.Fatalf("Main returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon not started")
	}
	close(shutdownChan)

	select {
	case err := <-errChan:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Main did not return")
	}

	require.Equal(t, []string{"dcrd"}, h.spawner.spawned())
}

func TestListWallets(t *testing.T) {
	h := newAppHarness(t)
	net := h.cfg.Network()

	walletsDir := filepath.Join(h.cfg.AppDataDir, "wallets", string(net))
	require.NoError(t, os.MkdirAll(filepath.Join(walletsDir, "alpha"), 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(walletsDir, "beta"), 0700))

	store, err := cfgstore.Open(h.cfg.settingsPath(),
		cfgstore.DefaultOpenTimeout)
	require.NoError(t, err)
	require.NoError(t, store.SetAppDataPath(net, "beta", "/srv/dcrd"))
	require.NoError(t, store.SetPreviousWallet("alpha"))

	var out strings.Builder
	require.NoError(t, ListWallets(h.cfg, &out))

	lines := strings.Split(out.String(), "\n")
	var alpha, beta string
	for _, l := range lines {
		switch {
		case strings.Contains(l, "alpha"):
			alpha = l
		case strings.Contains(l, "beta"):
			beta = l
		}
	}
	require.Contains(t, alpha, "managed")
	require.Contains(t, alpha, "*")
	require.Contains(t, beta, "appdata /srv/dcrd")
	require.NotContains(t, beta, "*")
}

func TestExePath(t *testing.T) {
	bin := t.TempDir()
	name := "dcrd"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}

	require.Equal(t, "/usr/bin/dcrd", exePath("/usr/bin/dcrd", bin, "dcrd"))
	require.Equal(t, filepath.Join(bin, name), exePath("", bin, "dcrd"))
	require.Equal(t, name, exePath("", "", "dcrd"))
}

func TestValidateConfigNetworks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AppDataDir = t.TempDir()
	cfg.LogDir = filepath.Join(cfg.AppDataDir, "logs")
	cfg.TestNet = true
	cfg.MainNet = true

	_, err := ValidateConfig(cfg, "")
	require.Error(t, err)

	cfg.MainNet = false
	cfg.ShutdownTimeout = -time.Second
	_, err = ValidateConfig(cfg, "")
	require.Error(t, err)

	cfg.ShutdownTimeout = 0
	valid, err := ValidateConfig(cfg, "")
	require.NoError(t, err)
	require.Equal(t, chainreg.Testnet, valid.Network())
	require.Equal(t, filepath.Join(cfg.AppDataDir, "logs", "testnet"),
		valid.LogDir)
	require.NoError(t, valid.LogWriter.Close())
}
