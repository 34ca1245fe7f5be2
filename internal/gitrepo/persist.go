package gitrepo

import (
	"bytes"
	"context"
	"fmt"
)

// Persister stores verified commits as loose objects and moves the working
// copy onto them.
type Persister struct {
	Objects *ObjectStore
	Repo    *CLI
}

// NewPersister resolves the repository's git directory and returns a Sink
// writing into it.
func NewPersister(ctx context.Context, repo *CLI) (*Persister, error) {
	gitDir, err := repo.GitDir(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotRepository, repo.Dir, err)
	}
	return &Persister{Objects: NewObjectStore(gitDir), Repo: repo}, nil
}

// Store implements Sink. The written object is read back and must parse as a
// commit before the working copy moves onto it.
func (p *Persister) Store(ctx context.Context, object []byte, id string) error {
	if err := p.Objects.Store(ctx, object, id); err != nil {
		return fmt.Errorf("store commit %s: %w", id, err)
	}
	stored, err := p.Objects.Read(id)
	if err != nil {
		return fmt.Errorf("read back commit %s: %w", id, err)
	}
	if !bytes.Equal(stored, object) {
		return fmt.Errorf("read back commit %s: %w", id, ErrObjectID)
	}
	typ, err := p.Repo.CatFile(ctx, id)
	if err != nil {
		return fmt.Errorf("read back commit %s: %w", id, err)
	}
	if typ != "commit" {
		return fmt.Errorf("read back commit %s: stored as %s", id, typ)
	}
	if err := p.Repo.ResetHard(ctx, id); err != nil {
		return fmt.Errorf("advance to commit %s: %w", id, err)
	}
	return nil
}
