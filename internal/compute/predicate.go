package compute

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/commitminer/commitminer/pkg/digest"
)

// ErrInvalidPredicate is returned for malformed predicate parameters.
var ErrInvalidPredicate = errors.New("compute: invalid predicate")

// Predicate decides whether a digest satisfies the search.
type Predicate interface {
	Accept(d *[digest.Size]byte) bool
	String() string
}

// Masked is a predicate expressible as (H[i] & mask[i]) == value[i] over the
// five big-endian digest words. Device kernels evaluate only masked
// predicates.
type Masked interface {
	Predicate
	Mask() (mask, value [5]uint32)
}

type maskPredicate struct {
	name  string
	mask  [5]uint32
	value [5]uint32
}

func (p *maskPredicate) Accept(d *[digest.Size]byte) bool {
	h := digest.Words(d)
	for i := range h {
		if h[i]&p.mask[i] != p.value[i] {
			return false
		}
	}
	return true
}

func (p *maskPredicate) Mask() (mask, value [5]uint32) {
	return p.mask, p.value
}

func (p *maskPredicate) String() string {
	return p.name
}

// AcceptAll accepts every digest. The first nonce of any batch wins.
func AcceptAll() Masked {
	return &maskPredicate{name: "all"}
}

// ZeroBits accepts digests with at least n leading zero bits.
func ZeroBits(n int) (Masked, error) {
	if n < 0 || n > 8*digest.Size {
		return nil, fmt.Errorf("%w: %d zero bits", ErrInvalidPredicate, n)
	}
	p := &maskPredicate{name: "zero-bits:" + strconv.Itoa(n)}
	for i := 0; i < 5 && n > 0; i++ {
		bits := min(n, 32)
		p.mask[i] = ^uint32(0) << (32 - bits)
		n -= bits
	}
	return p, nil
}

// HexPrefix accepts digests whose hex form starts with prefix.
func HexPrefix(prefix string) (Masked, error) {
	prefix = strings.ToLower(prefix)
	if len(prefix) > 2*digest.Size {
		return nil, fmt.Errorf("%w: prefix %q longer than a digest", ErrInvalidPredicate, prefix)
	}
	p := &maskPredicate{name: "prefix:" + prefix}
	for k, c := range prefix {
		v, err := strconv.ParseUint(string(c), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: prefix %q: %q is not hex", ErrInvalidPredicate, prefix, c)
		}
		shift := 28 - 4*uint(k%8)
		p.mask[k/8] |= 0xf << shift
		p.value[k/8] |= uint32(v) << shift
	}
	return p, nil
}

// Combine returns a predicate requiring every given mask at once. It fails
// when two masks demand different values for the same bit.
func Combine(preds ...Masked) (Masked, error) {
	out := &maskPredicate{}
	names := make([]string, 0, len(preds))
	for _, p := range preds {
		mask, value := p.Mask()
		for i := range mask {
			both := out.mask[i] & mask[i]
			if out.value[i]&both != value[i]&both {
				return nil, fmt.Errorf("%w: %s conflicts with %s", ErrInvalidPredicate, p, strings.Join(names, "+"))
			}
			out.mask[i] |= mask[i]
			out.value[i] |= value[i] & mask[i]
		}
		names = append(names, p.String())
	}
	out.name = strings.Join(names, "+")
	if out.name == "" {
		out.name = "all"
	}
	return out, nil
}

// FromConfig builds the predicate for a zero-bit difficulty and an optional
// hex prefix. With neither set every digest is accepted.
func FromConfig(bits int, prefix string) (Masked, error) {
	var preds []Masked
	if bits > 0 {
		p, err := ZeroBits(bits)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	if prefix != "" {
		p, err := HexPrefix(prefix)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	if len(preds) == 0 {
		return AcceptAll(), nil
	}
	if len(preds) == 1 {
		return preds[0], nil
	}
	return Combine(preds...)
}

type funcPredicate struct {
	name string
	fn   func(d *[digest.Size]byte) bool
}

func (p *funcPredicate) Accept(d *[digest.Size]byte) bool { return p.fn(d) }
func (p *funcPredicate) String() string                   { return p.name }

// Func wraps an arbitrary host-side check. Device backends reject it with
// ErrUnsupportedPredicate.
func Func(name string, fn func(d *[digest.Size]byte) bool) Predicate {
	return &funcPredicate{name: name, fn: fn}
}
