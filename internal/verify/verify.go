// Package verify re-checks a reported nonce on the host before anything is
// persisted.
//
// A candidate passes only if three independent computations agree: the
// single-block tail over the frozen midstate, a full sequential digest of the
// object bytes, and a collision-detecting SHA-1. The agreed digest must also
// satisfy the search predicate.
package verify

import (
	"errors"
	"fmt"

	"github.com/pjbgf/sha1cd"

	"github.com/commitminer/commitminer/internal/compute"
	"github.com/commitminer/commitminer/pkg/commit"
	"github.com/commitminer/commitminer/pkg/digest"
	"github.com/commitminer/commitminer/pkg/nonce"
)

// Validation errors.
var (
	// ErrDigestMismatch means two computations of the same object disagree.
	ErrDigestMismatch = errors.New("verify: digest mismatch")

	// ErrNotAccepted means the digest does not satisfy the predicate.
	ErrNotAccepted = errors.New("verify: digest not accepted by predicate")

	// ErrCollision means the object carries a SHA-1 collision attack pattern.
	ErrCollision = errors.New("verify: sha-1 collision pattern detected")
)

// MismatchError reports which computation disagreed.
type MismatchError struct {
	Stage string
	Nonce uint64
	Want  [digest.Size]byte
	Got   [digest.Size]byte
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("verify: %s digest mismatch for nonce %s: want %x, got %x",
		e.Stage, nonce.String(e.Nonce), e.Want, e.Got)
}

// Unwrap makes errors.Is match ErrDigestMismatch.
func (e *MismatchError) Unwrap() error {
	return ErrDigestMismatch
}

// Commit is a verified commit, ready to be stored.
type Commit struct {
	// Object is header, body and nonce: the bytes hashed into the id.
	Object []byte

	// Body is the commit text with the nonce, without the header.
	Body []byte

	Nonce  [nonce.Size]byte
	Digest [digest.Size]byte
	Hex    string
}

// Verify checks a backend report. reported is the digest the backend
// returned; pass nil when the backend reports only the nonce.
func Verify(p *commit.Preimage, mid digest.Midstate, pred compute.Predicate, n uint64, reported *[digest.Size]byte) (*Commit, error) {
	enc := nonce.Encode(n)

	tail := mid.SumTail(enc)
	if reported != nil && *reported != tail {
		return nil, &MismatchError{Stage: "reported", Nonce: n, Want: tail, Got: *reported}
	}

	object := p.Object(enc)
	full := digest.Sum(object)
	if full != tail {
		return nil, &MismatchError{Stage: "sequential", Nonce: n, Want: full, Got: tail}
	}

	cd, collision := sha1cd.Sum(object)
	if collision {
		return nil, fmt.Errorf("%w: nonce %s", ErrCollision, nonce.String(n))
	}
	if cd != full {
		return nil, &MismatchError{Stage: "sha1cd", Nonce: n, Want: cd, Got: full}
	}

	if !pred.Accept(&full) {
		return nil, fmt.Errorf("%w: %s rejects %x", ErrNotAccepted, pred, full)
	}

	return &Commit{
		Object: object,
		Body:   p.Commit(enc),
		Nonce:  enc,
		Digest: full,
		Hex:    digest.Hex(full),
	}, nil
}
