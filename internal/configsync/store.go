package configsync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"github.com/turtacn/tabbridge/pkg/consts"
	pkgerrors "github.com/turtacn/tabbridge/pkg/errors"
	"github.com/turtacn/tabbridge/pkg/protocol"
)

const (
	dirMode  = 0o700
	fileMode = 0o600
)

// Store persists the synchronized config as a single JSON document. Reads
// accept comments and trailing commas since people edit the file by hand.
type Store struct {
	dir string
}

// DefaultDir is <UserConfigDir>/tabbridge.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, consts.AppDirName), nil
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Path() string {
	return filepath.Join(s.dir, consts.ConfigFileName)
}

// Load returns the fields present in the stored document. A missing file is
// not an error and yields a nil patch.
func (s *Store) Load() (*protocol.ConfigPatch, error) {
	data, ok, err := s.snapshot()
	if err != nil || !ok {
		return nil, err
	}
	var p protocol.ConfigPatch
	if err := json.Unmarshal(jsonc.ToJSON(data), &p); err != nil {
		return nil, pkgerrors.New(pkgerrors.ErrCodeConfigInvalid, "store.Load", "cannot parse "+s.Path(), err)
	}
	return &p, nil
}

// Save replaces the stored document with c.
func (s *Store) Save(c protocol.Config) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return pkgerrors.New(pkgerrors.ErrCodePersist, "store.Save", "encoding config", err)
	}
	return s.write(append(data, '\n'))
}

// snapshot reads the raw file so a failed change can be rolled back.
func (s *Store) snapshot() ([]byte, bool, error) {
	data, err := os.ReadFile(s.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, pkgerrors.New(pkgerrors.ErrCodePersist, "store.read", "cannot read "+s.Path(), err)
	}
	return data, true, nil
}

// restore puts back a snapshot, removing the file if there was none.
func (s *Store) restore(data []byte, existed bool) error {
	if !existed {
		if err := os.Remove(s.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return pkgerrors.New(pkgerrors.ErrCodePersist, "store.restore", "cannot remove "+s.Path(), err)
		}
		return nil
	}
	return s.write(data)
}

// write replaces the file atomically: temp file in the same directory,
// fsync, rename.
func (s *Store) write(data []byte) error {
	fail := func(msg string, err error) error {
		return pkgerrors.New(pkgerrors.ErrCodePersist, "store.write", msg, err)
	}
	if err := os.MkdirAll(s.dir, dirMode); err != nil {
		return fail("cannot create "+s.dir, err)
	}
	tmp, err := os.CreateTemp(s.dir, ".config-*.json")
	if err != nil {
		return fail("cannot create temp file", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fail("cannot chmod temp file", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fail("cannot write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fail("cannot sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return fail("cannot close temp file", err)
	}
	if err := os.Rename(tmp.Name(), s.Path()); err != nil {
		return fail("cannot replace "+s.Path(), err)
	}
	return nil
}

// Personal.AI order the ending
