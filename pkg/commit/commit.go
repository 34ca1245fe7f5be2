// Package commit builds git commit preimages whose framed length is block
// aligned for SHA-1.
//
// A git commit object is hashed as "commit <len>\x00" followed by the body.
// The builder pads the body with filler bytes until header plus body is a
// whole number of 64-byte blocks. The 8-byte nonce appended afterwards, plus
// SHA-1's own padding, then fits in exactly one more block, so every nonce
// candidate costs a single compression on top of a frozen midstate.
package commit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/commitminer/commitminer/pkg/digest"
	"github.com/commitminer/commitminer/pkg/nonce"
)

// Filler is the byte appended to the message to reach block alignment.
const Filler = 'a'

// DefaultZone is the timezone suffix written after each timestamp.
const DefaultZone = "+0000"

// ErrInvalidField is returned when a field contains a NUL or an embedded
// line break.
var ErrInvalidField = errors.New("commit: invalid field")

// Fields are the inputs of a commit record.
type Fields struct {
	Tree   string
	Parent string // empty for a root commit

	Author     string // "Name <email>"
	AuthorTime string // seconds since the epoch, as text

	Committer  string // defaults to Author
	CommitTime string // defaults to AuthorTime

	Zone    string // defaults to DefaultZone
	Message string
}

// Preimage is an aligned commit body with its object header.
type Preimage struct {
	header []byte
	body   []byte
}

// Build validates the fields, composes the commit text and pads it so the
// framed preimage ends on a block boundary.
func Build(f Fields) (*Preimage, error) {
	f = f.normalized()
	if err := f.validate(); err != nil {
		return nil, err
	}

	body := Align([]byte(f.text()))
	return &Preimage{
		header: Header(len(body)),
		body:   body,
	}, nil
}

// normalized trims one trailing line terminator from collaborator-supplied
// values and fills defaults.
func (f Fields) normalized() Fields {
	f.Tree = trimLine(f.Tree)
	f.Parent = trimLine(f.Parent)
	f.Author = trimLine(f.Author)
	f.AuthorTime = trimLine(f.AuthorTime)
	f.Committer = trimLine(f.Committer)
	f.CommitTime = trimLine(f.CommitTime)
	f.Message = trimLine(f.Message)

	if f.Committer == "" {
		f.Committer = f.Author
	}
	if f.CommitTime == "" {
		f.CommitTime = f.AuthorTime
	}
	if f.Zone == "" {
		f.Zone = DefaultZone
	}
	return f
}

func (f Fields) validate() error {
	single := map[string]string{
		"tree":        f.Tree,
		"parent":      f.Parent,
		"author":      f.Author,
		"author time": f.AuthorTime,
		"committer":   f.Committer,
		"commit time": f.CommitTime,
		"zone":        f.Zone,
	}
	for name, v := range single {
		if strings.ContainsAny(v, "\x00\n\r") {
			return fmt.Errorf("%w: %s contains NUL or line break", ErrInvalidField, name)
		}
	}
	if f.Tree == "" {
		return fmt.Errorf("%w: tree is required", ErrInvalidField)
	}
	if f.Author == "" {
		return fmt.Errorf("%w: author is required", ErrInvalidField)
	}
	if strings.ContainsRune(f.Message, 0) {
		return fmt.Errorf("%w: message contains NUL", ErrInvalidField)
	}
	return nil
}

// text renders the record in git's field order.
func (f Fields) text() string {
	var b strings.Builder
	b.WriteString("tree " + f.Tree + "\n")
	if f.Parent != "" {
		b.WriteString("parent " + f.Parent + "\n")
	}
	b.WriteString("author " + f.Author + " " + f.AuthorTime + " " + f.Zone + "\n")
	b.WriteString("committer " + f.Committer + " " + f.CommitTime + " " + f.Zone + "\n")
	b.WriteString("\n")
	b.WriteString(f.Message + "\n")
	return b.String()
}

func trimLine(s string) string {
	if strings.HasSuffix(s, "\r\n") {
		return s[:len(s)-2]
	}
	return strings.TrimSuffix(s, "\n")
}

// Header returns the git object header for a body of bodyLen bytes that will
// be followed by a nonce.
func Header(bodyLen int) []byte {
	return []byte("commit " + strconv.Itoa(bodyLen+nonce.Size) + "\x00")
}

// Align appends Filler to body until header plus body is a multiple of the
// SHA-1 block size. The header width depends on the body length, so it is
// recomputed on every step.
func Align(body []byte) []byte {
	for (len(Header(len(body)))+len(body))%digest.BlockSize != 0 {
		body = append(body, Filler)
	}
	return body
}

// Header returns the object header, "commit <n>\x00".
func (p *Preimage) Header() []byte {
	return append([]byte(nil), p.header...)
}

// Body returns the aligned commit text without the nonce.
func (p *Preimage) Body() []byte {
	return append([]byte(nil), p.body...)
}

// Framed returns header and body, the bytes folded into the midstate.
func (p *Preimage) Framed() []byte {
	out := make([]byte, 0, len(p.header)+len(p.body))
	out = append(out, p.header...)
	return append(out, p.body...)
}

// Len returns the framed length in bytes.
func (p *Preimage) Len() int {
	return len(p.header) + len(p.body)
}

// Commit returns the commit text with the nonce appended, the content that
// git hash-object expects.
func (p *Preimage) Commit(n [nonce.Size]byte) []byte {
	out := make([]byte, 0, len(p.body)+nonce.Size)
	out = append(out, p.body...)
	return append(out, n[:]...)
}

// Object returns the full loose-object payload: header, body and nonce.
// Its SHA-1 is the commit id.
func (p *Preimage) Object(n [nonce.Size]byte) []byte {
	out := make([]byte, 0, p.Len()+nonce.Size)
	out = append(out, p.header...)
	out = append(out, p.body...)
	return append(out, n[:]...)
}

// Freeze hashes the framed preimage and returns the midstate. It fails only
// if the preimage is not block aligned.
func (p *Preimage) Freeze() (digest.Midstate, error) {
	s := digest.New()
	s.Write(p.header)
	s.Write(p.body)
	m, err := s.Midstate()
	if err != nil {
		return digest.Midstate{}, fmt.Errorf("freeze preimage of %d bytes: %w", p.Len(), err)
	}
	return m, nil
}

// Message expands the {user} and {timestamp} placeholders of a payload
// template.
func Message(template, user, timestamp string) string {
	return strings.NewReplacer("{user}", user, "{timestamp}", timestamp).Replace(template)
}
