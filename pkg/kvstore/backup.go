package kvstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/dgraph-io/badger/v4"

	"github.com/luxfi/assist/pkg/logger"
)

const (
	magic            = "ASSIST_BACKUP"
	defaultBackupDir = "./backups"
)

var ErrPassphraseNotProvided = errors.New("backup passphrase not provided")

// BackupMeta is stored in clear text ahead of the encrypted payload.
type BackupMeta struct {
	Algo      string `json:"algo"`
	CreatedAt string `json:"created_at"`
	Since     uint64 `json:"since"`
	NextSince uint64 `json:"next_since"`
}

// BackupVersion tracks the incremental backup state.
type BackupVersion struct {
	Version   uint64 `json:"version"`
	Since     uint64 `json:"since"`
	UpdatedAt string `json:"updated_at"`
}

// Backup writes incremental, age-encrypted badger backups.
type Backup struct {
	Name       string
	DB         *badger.DB
	Dir        string
	passphrase string
	workFactor int
}

// NewBackup creates a backup executor. If dir is empty, uses ./backups.
func NewBackup(name string, db *badger.DB, passphrase, dir string, workFactor int) (*Backup, error) {
	if passphrase == "" {
		return nil, ErrPassphraseNotProvided
	}
	if dir == "" {
		dir = defaultBackupDir
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &Backup{Name: name, DB: db, Dir: dir, passphrase: passphrase, workFactor: workFactor}, nil
}

func (b *Backup) recipient() (*age.ScryptRecipient, error) {
	r, err := age.NewScryptRecipient(b.passphrase)
	if err != nil {
		return nil, err
	}
	if b.workFactor > 0 {
		r.SetWorkFactor(b.workFactor)
	}
	return r, nil
}

func (b *Backup) identity() (*age.ScryptIdentity, error) {
	return age.NewScryptIdentity(b.passphrase)
}

// Execute writes the changes since the last backup. Nothing is written
// when there are no changes.
func (b *Backup) Execute() error {
	info, err := b.LoadVersionInfo()
	if err != nil {
		return fmt.Errorf("failed to load version info: %w", err)
	}

	since := info.Since
	version := info.Version + 1
	now := time.Now()

	var plain bytes.Buffer
	last, err := b.DB.Backup(&plain, since)
	if err != nil {
		return err
	}
	nextSince := last + 1
	if plain.Len() == 0 || nextSince <= since {
		logger.Debug("No changes since last backup, skipping", "since", since)
		return nil
	}

	recipient, err := b.recipient()
	if err != nil {
		return err
	}
	var ct bytes.Buffer
	w, err := age.Encrypt(&ct, recipient)
	if err != nil {
		return err
	}
	if _, err := w.Write(plain.Bytes()); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	meta := BackupMeta{
		Algo:      "age-scrypt",
		CreatedAt: now.Format(time.RFC3339),
		Since:     since,
		NextSince: nextSince,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if len(metaJSON) > math.MaxUint32 {
		return fmt.Errorf("metaJSON too large")
	}

	filename := fmt.Sprintf("backup-%s-%s-%d.enc", fileSafe(b.Name), now.Format("2006-01-02_15-04-05"), version)
	f, err := os.OpenFile(filepath.Join(b.Dir, filename), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write([]byte(magic)); err != nil {
		return err
	}
	if err := binary.Write(f, binary.BigEndian, uint32(len(metaJSON))); err != nil {
		return err
	}
	if _, err := f.Write(metaJSON); err != nil {
		return err
	}
	if _, err := f.Write(ct.Bytes()); err != nil {
		return err
	}

	logger.Info("Encrypted backup written", "file", filename, "version", version)
	if err := b.SaveVersionInfo(version, nextSince); err != nil {
		logger.Warn("Failed to save latest.version", "err", err)
	}
	return nil
}

// fileSafe keeps a device name from escaping the backup directory.
func fileSafe(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}

func (b *Backup) SaveVersionInfo(counter, since uint64) error {
	info := BackupVersion{
		Version:   counter,
		Since:     since,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(b.Dir, "latest.version"), data, 0600)
}

func (b *Backup) LoadVersionInfo() (BackupVersion, error) {
	var info BackupVersion
	data, err := os.ReadFile(filepath.Join(b.Dir, "latest.version"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return BackupVersion{UpdatedAt: time.Now().Format(time.RFC3339)}, nil
		}
		return info, err
	}
	err = json.Unmarshal(data, &info)
	return info, err
}

// SortedEncryptedBackups lists backup files oldest first. The version
// suffix orders files written within the same second.
func (b *Backup) SortedEncryptedBackups() []string {
	files, _ := filepath.Glob(filepath.Join(b.Dir, "backup-*.enc"))
	sort.Strings(files)
	return files
}

// RestoreAll replays every backup into a new database at restorePath.
// The restored database is encrypted at rest with the same passphrase.
func (b *Backup) RestoreAll(restorePath string) error {
	if err := os.MkdirAll(restorePath, 0700); err != nil {
		return fmt.Errorf("failed to create restore directory: %w", err)
	}
	restored, err := New(Config{Name: b.Name + "-restore", Path: restorePath, Passphrase: b.passphrase, BackupDir: filepath.Join(restorePath, "backups")})
	if err != nil {
		return err
	}

	for _, file := range b.SortedEncryptedBackups() {
		logger.Info("Restoring backup", "file", file)
		if err := b.loadEncryptedBackup(restored.DB, file); err != nil {
			restored.Close() //nolint:errcheck
			return err
		}
	}
	if err := restored.Close(); err != nil {
		return fmt.Errorf("failed to close restore database: %w", err)
	}
	logger.Info("Restore complete", "path", restorePath)
	return nil
}

func readHeader(r io.Reader) (BackupMeta, io.Reader, error) {
	var meta BackupMeta
	magicBuf := make([]byte, len(magic))
	if _, err := io.ReadFull(r, magicBuf); err != nil {
		return meta, nil, err
	}
	if string(magicBuf) != magic {
		return meta, nil, fmt.Errorf("bad magic")
	}
	var metaLen uint32
	if err := binary.Read(r, binary.BigEndian, &metaLen); err != nil {
		return meta, nil, err
	}
	metaBuf := make([]byte, metaLen)
	if _, err := io.ReadFull(r, metaBuf); err != nil {
		return meta, nil, err
	}
	if err := json.Unmarshal(metaBuf, &meta); err != nil {
		return meta, nil, err
	}
	return meta, r, nil
}

func (b *Backup) loadEncryptedBackup(db *badger.DB, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, body, err := readHeader(f)
	if err != nil {
		return err
	}
	id, err := b.identity()
	if err != nil {
		return err
	}
	plain, err := age.Decrypt(body, id)
	if err != nil {
		return fmt.Errorf("decrypt %s: %w", filepath.Base(path), err)
	}
	return db.Load(plain, 256)
}
