package main

import (
	"flag"
	"fmt"
	"os"
)

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: commitminer-cli [-socket path] <command> [args]

Commands:
  status               Show the running miner's state
  history [-n N]       Show the miner's most recent rounds
  devices              List compute backends and their devices
  hash [-type T]       Print the SHA-1 of stdin, or its git object id for type T
  nonce <n|encoding>   Convert between a nonce and its commit encoding
  help                 Show this message`)
}

func main() {
	fs := flag.NewFlagSet("commitminer-cli", flag.ExitOnError)
	socket := fs.String("socket", "", "Miner IPC socket (default: ~/.local/share/commitminer/miner.sock)")
	fs.Usage = printUsage
	fs.Parse(os.Args[1:])

	args := fs.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	cli := NewCLIWithDefaults()
	if *socket != "" {
		cli.socket = *socket
	}
	defer cli.Close()

	var err error

	switch args[0] {
	case "status":
		err = cli.Status()
	case "history":
		historyFlags := flag.NewFlagSet("history", flag.ExitOnError)
		n := historyFlags.Int("n", 20, "Number of rounds to show (0 for all)")
		historyFlags.Parse(args[1:])
		err = cli.History(*n)
	case "devices":
		err = cli.Devices()
	case "hash":
		hashFlags := flag.NewFlagSet("hash", flag.ExitOnError)
		typ := hashFlags.String("type", "", "Git object type: blob, commit, tree or tag")
		hashFlags.Parse(args[1:])
		err = cli.Hash(*typ)
	case "nonce":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: commitminer-cli nonce <n|encoding>")
			os.Exit(1)
		}
		err = cli.Nonce(args[1])
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
