package gitrepo

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zlib"
	"github.com/pjbgf/sha1cd"
)

// Object store errors.
var (
	ErrObjectID       = errors.New("gitrepo: object id does not match content")
	ErrObjectNotFound = errors.New("gitrepo: object not found")
	ErrCollision      = errors.New("gitrepo: object carries a sha-1 collision pattern")
)

// ObjectStore reads and writes loose objects under a git objects directory.
type ObjectStore struct {
	// Dir is the objects directory, usually <git-dir>/objects.
	Dir string
}

// NewObjectStore creates a store for gitDir/objects.
func NewObjectStore(gitDir string) *ObjectStore {
	return &ObjectStore{Dir: filepath.Join(gitDir, "objects")}
}

// Path returns the loose object path for id.
func (s *ObjectStore) Path(id string) string {
	return filepath.Join(s.Dir, id[:2], id[2:])
}

// Store writes object (header included) as a loose object named id. The id
// is recomputed first; an object that already exists is left alone.
//
// The write is atomic: compress into a temp file in the fan-out directory,
// sync, then rename.
func (s *ObjectStore) Store(_ context.Context, object []byte, id string) error {
	if err := checkID(object, id); err != nil {
		return err
	}

	path := s.Path(id)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	f, err := os.CreateTemp(dir, "tmp_obj_")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := f.Name()

	zw := zlib.NewWriter(f)
	if _, err := zw.Write(object); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to compress object: %w", err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to compress object: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync object: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0444); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod object: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Read returns the inflated object named id and checks its content.
func (s *ObjectStore) Read(id string) ([]byte, error) {
	if len(id) < 3 {
		return nil, fmt.Errorf("%w: %q", ErrObjectNotFound, id)
	}
	f, err := os.Open(s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
		}
		return nil, err
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open object %s: %w", id, err)
	}
	defer zr.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, zr); err != nil {
		return nil, fmt.Errorf("failed to inflate object %s: %w", id, err)
	}
	if err := checkID(buf.Bytes(), id); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func checkID(object []byte, id string) error {
	sum, collision := sha1cd.Sum(object)
	if collision {
		return fmt.Errorf("%w: %s", ErrCollision, id)
	}
	if got := hex.EncodeToString(sum[:]); got != id {
		return fmt.Errorf("%w: named %s, content hashes to %s", ErrObjectID, id, got)
	}
	return nil
}
