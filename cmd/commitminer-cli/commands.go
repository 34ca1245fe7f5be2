package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/commitminer/commitminer/internal/compute"
	"github.com/commitminer/commitminer/internal/compute/cpu"
	"github.com/commitminer/commitminer/internal/compute/opencl"
	"github.com/commitminer/commitminer/internal/compute/reference"
	"github.com/commitminer/commitminer/internal/config"
	"github.com/commitminer/commitminer/internal/ipc"
	"github.com/commitminer/commitminer/internal/journal"
	"github.com/commitminer/commitminer/pkg/digest"
	"github.com/commitminer/commitminer/pkg/nonce"
)

// ErrUnknownObjectType is returned by Hash for types git does not store.
var ErrUnknownObjectType = errors.New("unknown object type")

// StatusClient is the part of ipc.Client the CLI uses.
type StatusClient interface {
	Status(ctx context.Context) (ipc.Status, error)
	History(ctx context.Context, limit int) ([]journal.Entry, error)
	Close() error
}

// CLI provides commands for inspecting a miner and the local backends.
type CLI struct {
	socket   string
	registry *compute.Registry
	client   StatusClient
	input    io.Reader
	output   io.Writer
}

// NewCLI creates a CLI talking to the miner at socket.
func NewCLI(socket string, registry *compute.Registry) *CLI {
	return &CLI{
		socket:   socket,
		registry: registry,
		input:    os.Stdin,
		output:   os.Stdout,
	}
}

// NewCLIWithDefaults creates a CLI using the default socket path and every
// compiled-in backend.
func NewCLIWithDefaults() *CLI {
	paths := config.DefaultPaths()
	return NewCLI(paths.MinerSocket, compute.NewRegistry(opencl.New(), cpu.New(), reference.New()))
}

// connect establishes a connection to the miner.
func (c *CLI) connect() error {
	if c.client != nil {
		return nil
	}
	client, err := ipc.NewClient(c.socket)
	if err != nil {
		return fmt.Errorf("failed to connect to miner: %w", err)
	}
	c.client = client
	return nil
}

// Close closes the miner connection.
func (c *CLI) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// Status displays the running miner's state.
func (c *CLI) Status() error {
	fmt.Fprintln(c.output, "=== commitminer Status ===")
	fmt.Fprintln(c.output)

	if err := c.connect(); err != nil {
		fmt.Fprintf(c.output, "  Status: not running\n")
		fmt.Fprintf(c.output, "  Error: %v\n", err)
		return nil
	}

	st, err := c.client.Status(context.Background())
	if err != nil {
		fmt.Fprintf(c.output, "  Status: not running\n")
		fmt.Fprintf(c.output, "  Error: %v\n", err)
		return nil
	}

	fmt.Fprintf(c.output, "  State: %s\n", st.State)
	fmt.Fprintf(c.output, "  User: %s\n", st.User)
	fmt.Fprintf(c.output, "  Backend: %s\n", st.Backend)
	fmt.Fprintf(c.output, "  Device: %s\n", st.Device)
	fmt.Fprintf(c.output, "  Predicate: %s\n", st.Predicate)
	fmt.Fprintf(c.output, "  Parent: %s\n", st.Head)
	fmt.Fprintf(c.output, "  Round: %d\n", st.Round)
	if st.Limit > 0 {
		fmt.Fprintf(c.output, "  Progress: %d / %d (%.1f%%)\n", st.Offset, st.Limit, 100*float64(st.Offset)/float64(st.Limit))
	}
	fmt.Fprintf(c.output, "  Rate: %.2f Mhash/s\n", st.Rate/1e6)
	if !st.Started.IsZero() {
		fmt.Fprintf(c.output, "  Search started: %s\n", st.Started.Local().Format(time.RFC3339))
	}
	fmt.Fprintf(c.output, "  Mined: %d (exhausted %d, cancelled %d, failed %d)\n", st.Mined, st.Exhausted, st.Cancelled, st.Failed)
	if st.LastHash != "" {
		fmt.Fprintf(c.output, "  Last commit: %s\n", st.LastHash)
	}
	return nil
}

// History prints the newest limit rounds from the miner's journal.
func (c *CLI) History(limit int) error {
	if err := c.connect(); err != nil {
		return err
	}
	entries, err := c.client.History(context.Background(), limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(c.output, "No rounds recorded.")
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROUND\tTIME\tOUTCOME\tATTEMPTS\tELAPSED\tCOMMIT\tPUSHED")
	for _, e := range entries {
		hash := e.Hash
		if hash == "" {
			hash = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%v\n",
			e.Round,
			e.Time.Local().Format(time.DateTime),
			e.Outcome,
			e.Attempts,
			e.Elapsed.Round(time.Millisecond),
			hash,
			e.Pushed,
		)
		if e.Error != "" {
			fmt.Fprintf(w, "\t\t  %s\t\t\t\t\n", e.Error)
		}
	}
	return w.Flush()
}

// Devices lists every backend and the devices it can open.
func (c *CLI) Devices() error {
	w := tabwriter.NewWriter(c.output, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BACKEND\tINDEX\tDEVICE\tKIND\tUNITS\tFEATURES")
	for _, st := range c.registry.Report() {
		if !st.Available {
			reason := st.Err
			if reason == "" {
				reason = "no devices"
			}
			fmt.Fprintf(w, "%s\t-\tunavailable: %s\t\t\t\n", st.Name, reason)
			continue
		}
		for _, d := range st.Devices {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%v\n", st.Name, d.Index, d.Name, d.Kind, d.Units, d.Features)
		}
	}
	return w.Flush()
}

// Hash prints the SHA-1 of standard input. With a type, the input is hashed
// as a git object of that type, giving its object id.
func (c *CLI) Hash(typ string) error {
	data, err := io.ReadAll(c.input)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	s := digest.New()
	switch typ {
	case "":
	case "blob", "commit", "tree", "tag":
		s.Write([]byte(typ + " " + strconv.Itoa(len(data)) + "\x00"))
	default:
		return fmt.Errorf("%w: %s", ErrUnknownObjectType, typ)
	}
	s.Write(data)

	fmt.Fprintln(c.output, digest.Hex(s.Sum()))
	return nil
}

// Nonce prints the commit encoding of a nonce, or the nonce of an encoding.
func (c *CLI) Nonce(arg string) error {
	if n, err := strconv.ParseUint(arg, 10, 64); err == nil {
		if n >= nonce.Space {
			return fmt.Errorf("nonce %d out of range", n)
		}
		fmt.Fprintln(c.output, nonce.String(n))
		return nil
	}
	n, err := nonce.Parse(arg)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.output, n)
	return nil
}
