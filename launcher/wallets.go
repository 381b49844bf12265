package launcher

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/decred/dcrlauncher/chainreg"
)

const walletDBFilename = "wallet.db"

// AvailableWallet is a wallet directory found on disk.
type AvailableWallet struct {
	Network chainreg.Network
	Wallet  string

	// Finished is set once the wallet database was created.
	Finished bool
}

func validWalletName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) ||
		filepath.Base(name) != name {

		return ErrInvalidWalletName
	}
	return nil
}

// WalletsDir returns the directory holding the wallets of the configured
// network.
func (l *Launcher) WalletsDir() string {
	return filepath.Join(l.cfg.AppDataDir, "wallets", string(l.cfg.Network))
}

// WalletDir returns the appdata directory of a wallet.
func (l *Launcher) WalletDir(wallet string) string {
	return filepath.Join(l.WalletsDir(), wallet)
}

// AvailableWallets lists the wallet directories of the configured network.
func (l *Launcher) AvailableWallets() ([]AvailableWallet, error) {
	entries, err := os.ReadDir(l.WalletsDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var wallets []AvailableWallet
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dbPath := filepath.Join(l.WalletDir(e.Name()), l.params.Name,
			walletDBFilename)
		wallets = append(wallets, AvailableWallet{
			Network:  l.cfg.Network,
			Wallet:   e.Name(),
			Finished: fileExists(dbPath),
		})
	}
	return wallets, nil
}

// CreateWallet creates the directory of a new wallet. Creating an existing
// wallet is a no-op.
func (l *Launcher) CreateWallet(wallet string) error {
	if err := validWalletName(wallet); err != nil {
		return err
	}
	return os.MkdirAll(l.WalletDir(wallet), 0700)
}

// RemoveWallet deletes the directory of a wallet that is not running.
func (l *Launcher) RemoveWallet(wallet string) error {
	if err := validWalletName(wallet); err != nil {
		return err
	}
	if w := l.Wallet(); w != nil && w.WalletID == wallet {
		return ErrOtherWalletRunning
	}
	return os.RemoveAll(l.WalletDir(wallet))
}

var versionLineRegexp = regexp.MustCompile(`\w+ version ([^\s]+)`)

// parseVersionLine extracts the version from a "<exe> version <v>" line.
func parseVersionLine(line string) (string, bool) {
	m := versionLineRegexp.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ExecutableVersions runs each child executable with --version and returns
// the decoded versions keyed by executable name. Executables that fail are
// left out.
func (l *Launcher) ExecutableVersions(ctx context.Context) map[string]string {
	exes := map[string]string{
		"dcrd":      l.cfg.DcrdExe,
		"dcrwallet": l.cfg.DcrwalletExe,
		"dcrctl":    l.cfg.DcrctlExe,
	}
	names := make([]string, 0, len(exes))
	for name := range exes {
		names = append(names, name)
	}
	sort.Strings(names)

	versions := make(map[string]string, len(exes))
	for _, name := range names {
		path := exes[name]
		if path == "" {
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		out, err := exec.CommandContext(cctx, path, "--version").Output()
		cancel()
		if err != nil {
			log.Errorf("Error trying to read version of %s: %v", name,
				err)
			continue
		}

		v, ok := parseVersionLine(string(out))
		if !ok {
			log.Errorf("Unable to decode version line %q", out)
			continue
		}
		versions[name] = v
	}
	return versions
}
