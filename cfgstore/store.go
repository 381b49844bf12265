package cfgstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/decred/dcrlauncher/chainreg"
	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultDBFilename is the file name of the settings database.
	DefaultDBFilename = "settings.db"

	// DefaultOpenTimeout bounds how long Open waits for the file lock.
	DefaultOpenTimeout = 2 * time.Second

	dbFilePermission = 0600
)

var (
	globalBucket  = []byte("global")
	walletsBucket = []byte("wallets")

	keyDaemonAdvanced = []byte("daemon_start_advanced")
	keyMustOpenForm   = []byte("must_open_form")
	keyPrevWallet     = []byte("previous_wallet")

	keyAppData     = []byte("appdata")
	keyRPCUser     = []byte("rpc_user")
	keyRPCPassword = []byte("rpc_password")
	keyRPCCert     = []byte("rpc_cert")
	keyRPCHost     = []byte("rpc_host")
	keyRPCPort     = []byte("rpc_port")
	keySettings    = []byte("settings")

	trueValue  = []byte{1}
	falseValue = []byte{0}
)

var (
	// ErrStoreLocked is returned by Open when another process holds the
	// settings database.
	ErrStoreLocked = errors.New("settings database is in use by another " +
		"process")

	// ErrWalletNotFound is returned when no settings exist for a wallet.
	ErrWalletNotFound = errors.New("wallet not found")
)

// RPCCredentials is the set of values needed to reach a dcrd instance over
// JSON-RPC.
type RPCCredentials struct {
	User     string
	Password string
	CertPath string
	Host     string
	Port     string
}

// Complete reports whether every field holds a non-empty value.
func (c *RPCCredentials) Complete() bool {
	return c.User != "" && c.Password != "" && c.CertPath != "" &&
		c.Host != "" && c.Port != ""
}

// Store is a bbolt backed key/value store of the launcher's persisted
// settings. Global keys live in one bucket, per wallet keys in a nested
// wallets/<network>/<wallet> bucket.
//
// The database file is only held open for the duration of a transaction so
// that several launcher instances can share it.
type Store struct {
	path    string
	timeout time.Duration
}

// Open opens (creating if needed) the settings database at path. A zero
// timeout selects DefaultOpenTimeout; it bounds how long each transaction
// waits for another process to release the file.
func Open(path string, timeout time.Duration) (*Store, error) {
	if timeout == 0 {
		timeout = DefaultOpenTimeout
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}

	s := &Store{path: path, timeout: timeout}
	err := s.update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(globalBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(walletsBucket)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("Using settings database %s", path)

	return s, nil
}

// Path returns the location of the database file.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) open() (*bolt.DB, error) {
	db, err := bolt.Open(s.path, dbFilePermission, &bolt.Options{
		Timeout: s.timeout,
	})
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, ErrStoreLocked
	}
	if err != nil {
		return nil, fmt.Errorf("unable to open %s: %w", s.path, err)
	}
	return db, nil
}

func (s *Store) view(f func(tx *bolt.Tx) error) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(f)
}

func (s *Store) update(f func(tx *bolt.Tx) error) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(f)
}

func (s *Store) getGlobalBool(key []byte, dflt bool) (bool, error) {
	value := dflt
	err := s.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(globalBucket).Get(key)
		if len(v) == 1 {
			value = v[0] == 1
		}
		return nil
	})
	return value, err
}

func (s *Store) putGlobal(key, value []byte) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(globalBucket).Put(key, value)
	})
}

func boolBytes(b bool) []byte {
	if b {
		return trueValue
	}
	return falseValue
}

// DaemonAdvanced returns whether the user controls daemon startup and
// connection details.
func (s *Store) DaemonAdvanced() (bool, error) {
	return s.getGlobalBool(keyDaemonAdvanced, false)
}

// SetDaemonAdvanced persists the daemon start mode.
func (s *Store) SetDaemonAdvanced(advanced bool) error {
	return s.putGlobal(keyDaemonAdvanced, boolBytes(advanced))
}

// MustOpenForm returns whether the startup form should open automatically.
// It defaults to true until the first completed sync clears it.
func (s *Store) MustOpenForm() (bool, error) {
	return s.getGlobalBool(keyMustOpenForm, true)
}

// SetMustOpenForm persists the must-open-form flag.
func (s *Store) SetMustOpenForm(open bool) error {
	return s.putGlobal(keyMustOpenForm, boolBytes(open))
}

// PreviousWallet returns the last wallet that was started, if any.
func (s *Store) PreviousWallet() (string, error) {
	var name string
	err := s.view(func(tx *bolt.Tx) error {
		name = string(tx.Bucket(globalBucket).Get(keyPrevWallet))
		return nil
	})
	return name, err
}

// SetPreviousWallet records the last started wallet.
func (s *Store) SetPreviousWallet(name string) error {
	return s.putGlobal(keyPrevWallet, []byte(name))
}

// walletBucket returns the bucket of the given wallet, or nil when it does
// not exist.
func walletBucket(tx *bolt.Tx, net chainreg.Network, wallet string) *bolt.Bucket {
	netBucket := tx.Bucket(walletsBucket).Bucket([]byte(net))
	if netBucket == nil {
		return nil
	}
	return netBucket.Bucket([]byte(wallet))
}

func createWalletBucket(tx *bolt.Tx, net chainreg.Network,
	wallet string) (*bolt.Bucket, error) {

	if wallet == "" {
		return nil, errors.New("empty wallet name")
	}
	netBucket, err := tx.Bucket(walletsBucket).CreateBucketIfNotExists(
		[]byte(net),
	)
	if err != nil {
		return nil, err
	}
	return netBucket.CreateBucketIfNotExists([]byte(wallet))
}

// InitWallet creates the settings bucket of a wallet with default values.
// Existing settings are left untouched.
func (s *Store) InitWallet(net chainreg.Network, wallet string) error {
	return s.update(func(tx *bolt.Tx) error {
		b, err := createWalletBucket(tx, net, wallet)
		if err != nil {
			return err
		}
		if b.Get(keySettings) != nil {
			return nil
		}
		v, err := json.Marshal(DefaultWalletSettings())
		if err != nil {
			return err
		}
		return b.Put(keySettings, v)
	})
}

// RemoteCredentials returns the remote RPC fields configured for a wallet.
// Unset fields are returned empty.
func (s *Store) RemoteCredentials(net chainreg.Network,
	wallet string) (*RPCCredentials, error) {

	creds := &RPCCredentials{}
	err := s.view(func(tx *bolt.Tx) error {
		b := walletBucket(tx, net, wallet)
		if b == nil {
			return nil
		}
		creds.User = string(b.Get(keyRPCUser))
		creds.Password = string(b.Get(keyRPCPassword))
		creds.CertPath = string(b.Get(keyRPCCert))
		creds.Host = string(b.Get(keyRPCHost))
		creds.Port = string(b.Get(keyRPCPort))
		return nil
	})
	return creds, err
}

// SetRemoteCredentials stores the remote RPC fields of a wallet.
func (s *Store) SetRemoteCredentials(net chainreg.Network, wallet string,
	creds *RPCCredentials) error {

	return s.update(func(tx *bolt.Tx) error {
		b, err := createWalletBucket(tx, net, wallet)
		if err != nil {
			return err
		}
		pairs := []struct {
			key   []byte
			value string
		}{
			{keyRPCUser, creds.User},
			{keyRPCPassword, creds.Password},
			{keyRPCCert, creds.CertPath},
			{keyRPCHost, creds.Host},
			{keyRPCPort, creds.Port},
		}
		for _, p := range pairs {
			if err := b.Put(p.key, []byte(p.value)); err != nil {
				return err
			}
		}
		return nil
	})
}

// AppDataPath returns the local dcrd data directory configured for a wallet.
func (s *Store) AppDataPath(net chainreg.Network, wallet string) (string, error) {
	var path string
	err := s.view(func(tx *bolt.Tx) error {
		if b := walletBucket(tx, net, wallet); b != nil {
			path = string(b.Get(keyAppData))
		}
		return nil
	})
	return path, err
}

// SetAppDataPath stores the local dcrd data directory of a wallet.
func (s *Store) SetAppDataPath(net chainreg.Network, wallet, path string) error {
	return s.update(func(tx *bolt.Tx) error {
		b, err := createWalletBucket(tx, net, wallet)
		if err != nil {
			return err
		}
		return b.Put(keyAppData, []byte(path))
	})
}

// DeleteWallet removes every setting stored for a wallet.
func (s *Store) DeleteWallet(net chainreg.Network, wallet string) error {
	return s.update(func(tx *bolt.Tx) error {
		netBucket := tx.Bucket(walletsBucket).Bucket([]byte(net))
		if netBucket == nil || netBucket.Bucket([]byte(wallet)) == nil {
			return ErrWalletNotFound
		}
		return netBucket.DeleteBucket([]byte(wallet))
	})
}
