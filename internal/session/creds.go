package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

// CredStore manages the credential directory the channel bridge reads and
// writes. The daemon never parses the files; it only snapshots them before
// risky operations and wipes them when the session must start over.
type CredStore struct {
	dir       string
	backupDir string
	keep      int
	log       logx.Logger
	now       func() time.Time
}

// NewCredStore creates the directory if needed. keep bounds how many backup
// snapshots are retained (default 5).
func NewCredStore(dir, backupDir string, keep int, log logx.Logger) (*CredStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("session: credential dir is required")
	}
	if backupDir == "" {
		backupDir = filepath.Join(filepath.Dir(dir), "auth_backups")
	}
	if keep <= 0 {
		keep = 5
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CredStore{dir: dir, backupDir: backupDir, keep: keep, log: log, now: time.Now}, nil
}

// Dir is the credential directory path, handed to the bridge.
func (c *CredStore) Dir() string { return c.dir }

// Exists reports whether any credential file is present.
func (c *CredStore) Exists() bool {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() {
			return true
		}
	}
	return false
}

// Backup snapshots the credential directory under a timestamped name and
// prunes old snapshots. An empty directory is a no-op.
func (c *CredStore) Backup() (string, error) {
	if !c.Exists() {
		return "", nil
	}
	name := "auth_" + c.now().Format("20060102_150405")
	dst := filepath.Join(c.backupDir, name)
	if err := copyTree(c.dir, dst); err != nil {
		return "", fmt.Errorf("credential backup: %w", err)
	}
	c.log.Info("credentials backed up", logx.String("snapshot", dst))
	c.pruneBackups()
	return dst, nil
}

// Wipe removes every file in the credential directory, keeping the directory
// itself so the bridge can re-create a session in place.
func (c *CredStore) Wipe() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(c.dir, e.Name())); err != nil {
			return fmt.Errorf("credential wipe: %w", err)
		}
	}
	c.log.Warn("credential directory wiped", logx.String("dir", c.dir))
	return nil
}

func (c *CredStore) pruneBackups() {
	entries, err := os.ReadDir(c.backupDir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "auth_") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= c.keep {
		return
	}
	sort.Strings(names) // timestamped names sort chronologically
	for _, name := range names[:len(names)-c.keep] {
		if err := os.RemoveAll(filepath.Join(c.backupDir, name)); err != nil {
			c.log.Warn("failed pruning backup", logx.String("name", name), logx.Err(err))
		}
	}
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o700)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
