// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2019 The Decred developers
// Copyright (C) 2015-2020 The Lightning Network Developers

package dcrlauncher

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrlauncher/build"
	"github.com/decred/dcrlauncher/chainreg"
	"github.com/decred/dcrlauncher/monitoring"
	"github.com/decred/dcrlauncher/shutdown"
	"github.com/decred/dcrlauncher/versioncheck"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename   = "dcrlauncher.conf"
	defaultSettingsFilename = "settings.db"
	defaultLockFilename     = "dcrlauncher.lock"
	defaultLogLevel         = "info"
	defaultLogDirname       = "logs"
	defaultLogFilename      = "dcrlauncher.log"
	defaultMaxLogFiles      = 3
	defaultMaxLogFileSize   = 10
)

var (
	// DefaultAppDataDir is the default directory of launcher data.
	DefaultAppDataDir = dcrutil.AppDataDir("dcrlauncher", false)

	// DefaultConfigFile is the default full path of the launcher's
	// configuration file.
	DefaultConfigFile = filepath.Join(DefaultAppDataDir, defaultConfigFilename)

	defaultLogDir = filepath.Join(DefaultAppDataDir, defaultLogDirname)

	// DefaultDcrdAppData is the data directory of the managed dcrd.
	DefaultDcrdAppData = dcrutil.AppDataDir("dcrd", false)
)

// Config defines the configuration options for dcrlauncher.
//
// See LoadConfig for further details regarding the configuration
// loading+parsing process.
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	ListWallets bool `long:"listwallets" description:"List the wallets of the selected network and exit"`

	AppDataDir string `short:"A" long:"appdata" description:"The base directory that contains the launcher's settings, wallets and logs"`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	TestNet bool `long:"testnet" description:"Use the test network"`
	MainNet bool `long:"mainnet" description:"Use the main network"`

	DcrdAppData   string `long:"dcrdappdata" description:"Data directory of the managed dcrd"`
	CustomBinPath string `long:"custombinpath" description:"Directory holding the dcrd, dcrwallet and dcrctl executables"`
	DcrdExe       string `long:"dcrd" description:"Path to the dcrd executable"`
	DcrwalletExe  string `long:"dcrwallet" description:"Path to the dcrwallet executable"`
	DcrctlExe     string `long:"dcrctl" description:"Path to the dcrctl executable"`

	Advanced bool   `long:"advanced" description:"Use advanced daemon start mode regardless of the stored setting"`
	Wallet   string `long:"wallet" description:"Wallet to start once the daemon runs (defaults to the previously used wallet)"`

	ShutdownTimeout time.Duration `long:"shutdowntimeout" description:"Time to wait for dcrwallet and dcrd to exit before they are killed (0 waits forever)"`

	ReleasesURL    string `long:"releasesurl" description:"Endpoint listing published releases"`
	NoVersionCheck bool   `long:"noversioncheck" description:"Do not check for new releases"`

	Prometheus monitoring.Config `group:"Prometheus" namespace:"prometheus"`

	// LogWriter is the root logger that all of the launcher's subloggers
	// are hooked up to.
	LogWriter *build.RotatingLogWriter

	// ActiveNetParams contains parameters of the target chain.
	ActiveNetParams chainreg.DecredNetParams
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		AppDataDir:      DefaultAppDataDir,
		ConfigFile:      DefaultConfigFile,
		LogDir:          defaultLogDir,
		MaxLogFiles:     defaultMaxLogFiles,
		MaxLogFileSize:  defaultMaxLogFileSize,
		DebugLevel:      defaultLogLevel,
		DcrdAppData:     DefaultDcrdAppData,
		ShutdownTimeout: shutdown.DefaultTimeout,
		ReleasesURL:     versioncheck.DefaultReleasesURL,
		LogWriter:       build.NewRotatingLogWriter(),
		ActiveNetParams: chainreg.DecredMainNetParams,
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig() (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		commit := build.SourceCommit()
		if commit != "" {
			commit = fmt.Sprintf("Commit %s; ", commit)
		}
		fmt.Printf("%s version %s (%sGo version %s %s/%s)\n",
			appName, build.Version(), commit,
			runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// A custom appdata directory moves the default config file with it.
	appDataDir := CleanAndExpandPath(preCfg.AppDataDir)
	confPath := CleanAndExpandPath(preCfg.ConfigFile)
	if appDataDir != DefaultAppDataDir && confPath == DefaultConfigFile {
		confPath = filepath.Join(appDataDir, defaultConfigFilename)
	}

	// A missing config file is fine, a malformed one is not.
	var missingConfErr error
	cfg := preCfg
	err := flags.IniParse(confPath, &cfg)
	var iniErr *flags.IniError
	switch {
	case errors.As(err, &iniErr):
		return nil, err
	case err != nil:
		missingConfErr = err
	}

	// Command line options override the config file.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	validCfg, err := ValidateConfig(cfg, usageMessage)
	if err != nil {
		return nil, err
	}

	// Logging is only set up by ValidateConfig.
	if missingConfErr != nil {
		dcrlLog.Warnf("Unable to read config file: %v", missingConfErr)
	}

	return validCfg, nil
}

// configError prints err and, when given, the usage message to stderr and
// returns err.
func configError(err error, usageMessage string) error {
	_, _ = fmt.Fprintln(os.Stderr, err)
	if usageMessage != "" {
		_, _ = fmt.Fprintln(os.Stderr, usageMessage)
	}
	return err
}

// ValidateConfig normalizes the paths of cfg, rejects invalid option
// combinations, creates the appdata directory and initializes logging. The
// validated copy is returned.
func ValidateConfig(cfg Config, usageMessage string) (*Config, error) {
	const funcName = "ValidateConfig"

	// Logs follow a custom appdata directory unless set explicitly.
	appDataDir := CleanAndExpandPath(cfg.AppDataDir)
	if appDataDir != DefaultAppDataDir && cfg.LogDir == defaultLogDir {
		cfg.LogDir = filepath.Join(appDataDir, defaultLogDirname)
	}
	cfg.AppDataDir = appDataDir

	for _, p := range []*string{
		&cfg.LogDir, &cfg.DcrdAppData, &cfg.CustomBinPath,
		&cfg.DcrdExe, &cfg.DcrwalletExe, &cfg.DcrctlExe,
	} {
		*p = CleanAndExpandPath(*p)
	}

	if err := os.MkdirAll(cfg.AppDataDir, 0700); err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			if link, lerr := os.Readlink(pathErr.Path); lerr == nil {
				err = fmt.Errorf("%w (is symlink %s -> %s mounted?)",
					err, pathErr.Path, link)
			}
		}
		return nil, configError(fmt.Errorf("%s: unable to create "+
			"appdata directory: %w", funcName, err), "")
	}

	if cfg.TestNet && cfg.MainNet {
		return nil, configError(fmt.Errorf("%s: --testnet and "+
			"--mainnet are mutually exclusive", funcName),
			usageMessage)
	}
	cfg.ActiveNetParams = chainreg.DecredMainNetParams
	if cfg.TestNet {
		cfg.ActiveNetParams = chainreg.DecredTestNetParams
	}

	if cfg.ShutdownTimeout < 0 {
		return nil, configError(fmt.Errorf("%s: --shutdowntimeout "+
			"must not be negative", funcName), usageMessage)
	}

	cfg.DcrdExe = exePath(cfg.DcrdExe, cfg.CustomBinPath, "dcrd")
	cfg.DcrwalletExe = exePath(cfg.DcrwalletExe, cfg.CustomBinPath,
		"dcrwallet")
	cfg.DcrctlExe = exePath(cfg.DcrctlExe, cfg.CustomBinPath, "dcrctl")

	// Each network logs to its own directory.
	cfg.LogDir = filepath.Join(cfg.LogDir,
		string(cfg.ActiveNetParams.Network))

	if cfg.LogWriter == nil {
		return nil, fmt.Errorf("%s: log writer missing in config",
			funcName)
	}

	SetupLoggers(cfg.LogWriter)
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			cfg.LogWriter.SupportedSubsystems())
		os.Exit(0)
	}

	err := cfg.LogWriter.InitLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		cfg.MaxLogFileSize, cfg.MaxLogFiles,
	)
	if err != nil {
		return nil, configError(fmt.Errorf("%s: log rotation setup "+
			"failed: %w", funcName, err), "")
	}

	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, cfg.LogWriter)
	if err != nil {
		return nil, configError(fmt.Errorf("%s: %w", funcName, err),
			usageMessage)
	}

	return &cfg, nil
}

// Network returns the selected network.
func (c *Config) Network() chainreg.Network {
	return c.ActiveNetParams.Network
}

// settingsPath returns the path of the persisted settings database.
func (c *Config) settingsPath() string {
	return filepath.Join(c.AppDataDir, defaultSettingsFilename)
}

// lockPath returns the path of the single instance lock file.
func (c *Config) lockPath() string {
	return filepath.Join(c.AppDataDir, defaultLockFilename)
}

// exePath returns the explicit path when set, the executable inside binDir
// when one is configured, and the bare name for a PATH lookup otherwise.
func exePath(explicit, binDir, name string) string {
	if explicit != "" {
		return explicit
	}
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	if binDir != "" {
		return filepath.Join(binDir, name)
	}
	return name
}

// CleanAndExpandPath expands a leading ~ and POSIX-style environment
// variables in path and cleans the result. Empty paths stay empty.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		home := os.Getenv("HOME")
		if u, err := user.Current(); err == nil {
			home = u.HomeDir
		}
		path = home + strings.TrimPrefix(path, "~")
	}

	return filepath.Clean(os.ExpandEnv(path))
}
