// Package gitrepo connects the miner to a git working copy: it reads the
// tree and parent for the next commit, stores found commit objects, keeps
// the ledger file and synchronises with the remote.
package gitrepo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Defaults for CLI.
const (
	DefaultRemote = "origin"
	DefaultBranch = "master"
)

// StateProvider supplies the inputs of the next commit.
type StateProvider interface {
	// Tree returns the hex id of the tree staged in the index.
	Tree(ctx context.Context) (string, error)

	// Head returns the hex id of the current commit.
	Head(ctx context.Context) (string, error)

	// Now returns the commit timestamp as decimal seconds.
	Now() string
}

// Sink persists a verified commit object and advances the branch to it.
type Sink interface {
	Store(ctx context.Context, object []byte, hex string) error
}

// GitError is a failed git invocation.
type GitError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, msg)
}

func (e *GitError) Unwrap() error { return e.Err }

// CLI drives a working copy through the git executable. It is safe for
// concurrent use: invocations run one at a time.
type CLI struct {
	// Dir is the working copy.
	Dir string

	// Git is the executable. Empty means "git" on PATH.
	Git string

	Remote string
	Branch string

	// Env is appended to the process environment of every invocation.
	Env []string

	// Clock returns the commit time. Nil means time.Now.
	Clock func() time.Time

	mu sync.Mutex
}

// NewCLI creates a CLI for dir with the default remote and branch.
func NewCLI(dir string) *CLI {
	return &CLI{Dir: dir, Remote: DefaultRemote, Branch: DefaultBranch}
}

func (c *CLI) remote() string {
	if c.Remote == "" {
		return DefaultRemote
	}
	return c.Remote
}

func (c *CLI) branch() string {
	if c.Branch == "" {
		return DefaultBranch
	}
	return c.Branch
}

// run executes git in dir and returns trimmed stdout.
func (c *CLI) run(ctx context.Context, dir string, stdin []byte, args ...string) (string, error) {
	bin := c.Git
	if bin == "" {
		bin = "git"
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", &GitError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Clone clones url into Dir. The parent of Dir must exist.
func (c *CLI) Clone(ctx context.Context, url string) error {
	_, err := c.run(ctx, filepath.Dir(c.Dir), nil, "clone", "--branch", c.branch(), url, c.Dir)
	return err
}

// Fetch updates the remote-tracking refs.
func (c *CLI) Fetch(ctx context.Context) error {
	_, err := c.run(ctx, c.Dir, nil, "fetch", c.remote())
	return err
}

// ResetHard moves the branch and working copy to rev.
func (c *CLI) ResetHard(ctx context.Context, rev string) error {
	_, err := c.run(ctx, c.Dir, nil, "reset", "--hard", rev)
	return err
}

// ResetToRemote discards local work and matches the remote-tracking branch.
func (c *CLI) ResetToRemote(ctx context.Context) error {
	return c.ResetHard(ctx, c.remote()+"/"+c.branch())
}

// Push publishes HEAD to the remote branch.
func (c *CLI) Push(ctx context.Context) error {
	_, err := c.run(ctx, c.Dir, nil, "push", c.remote(), "HEAD:"+c.branch())
	return err
}

// Add stages paths relative to Dir.
func (c *CLI) Add(ctx context.Context, paths ...string) error {
	_, err := c.run(ctx, c.Dir, nil, append([]string{"add", "--"}, paths...)...)
	return err
}

// WriteTree writes the index as a tree object and returns its id.
func (c *CLI) WriteTree(ctx context.Context) (string, error) {
	return c.run(ctx, c.Dir, nil, "write-tree")
}

// RevParse resolves rev to an object id.
func (c *CLI) RevParse(ctx context.Context, rev string) (string, error) {
	return c.run(ctx, c.Dir, nil, "rev-parse", "--verify", rev)
}

// hashObject computes the id of data as an object of type typ, writing it to
// the object database when write is set.
func (c *CLI) hashObject(ctx context.Context, typ string, data []byte, write bool) (string, error) {
	args := []string{"hash-object", "-t", typ, "--stdin"}
	if write {
		args = append(args, "-w")
	}
	return c.run(ctx, c.Dir, data, args...)
}

// CatFile returns the type of object id.
func (c *CLI) CatFile(ctx context.Context, id string) (string, error) {
	return c.run(ctx, c.Dir, nil, "cat-file", "-t", id)
}

// GitDir returns the absolute path of the repository's git directory.
func (c *CLI) GitDir(ctx context.Context) (string, error) {
	dir, err := c.run(ctx, c.Dir, nil, "rev-parse", "--git-dir")
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(c.Dir, dir)
	}
	return dir, nil
}

// RemoteRef returns the remote-tracking ref name, e.g. refs/remotes/origin/master.
func (c *CLI) RemoteRef() string {
	return "refs/remotes/" + c.remote() + "/" + c.branch()
}

// Tree implements StateProvider.
func (c *CLI) Tree(ctx context.Context) (string, error) {
	return c.WriteTree(ctx)
}

// Head implements StateProvider.
func (c *CLI) Head(ctx context.Context) (string, error) {
	return c.RevParse(ctx, "HEAD")
}

// RemoteHead returns the commit the remote-tracking branch points at.
func (c *CLI) RemoteHead(ctx context.Context) (string, error) {
	return c.RevParse(ctx, c.RemoteRef())
}

// Now implements StateProvider.
func (c *CLI) Now() string {
	clock := c.Clock
	if clock == nil {
		clock = time.Now
	}
	return strconv.FormatInt(clock().Unix(), 10)
}

// ErrNotRepository is returned when a directory is not a git working copy.
var ErrNotRepository = errors.New("gitrepo: not a git repository")

// IsRepository reports whether Dir holds a working copy.
func (c *CLI) IsRepository(ctx context.Context) bool {
	_, err := c.GitDir(ctx)
	return err == nil
}
