package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/halilibrahimkanpak/eeval/transport"
)

type command struct {
	name  string
	usage string
	run   func(args []string) error
}

var commands = []command{
	{"ping", "Check that the server is up", ping},
	{"list-models", "List the models served", listModels},
	{"model-info", "Describe a model", modelInfo},
	{"eval", "Evaluate an encrypted input on a model", eval},
	{"create-context", "Generate a CKKS context and write it to a file", createContext},
	{"encrypt", "Encrypt a JSON vector or an IDX image", encrypt},
	{"decrypt", "Decrypt a vector", decrypt},
}

func usage() {
	fmt.Println("Usage: eeval <command> [options]")
	for _, c := range commands {
		fmt.Printf("  %-15s %s\n", c.name, c.usage)
	}
	fmt.Println("Run `eeval <command> -h` for the options of a command.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	for _, c := range commands {
		if c.name != os.Args[1] {
			continue
		}
		if err := c.run(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	usage()
	os.Exit(1)
}

// serverFlags are shared by the commands that talk to a server.
type serverFlags struct {
	addr           string
	timeout        time.Duration
	maxMessageSize int
}

func (s *serverFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&s.addr, "addr", "localhost:8000", "Server address")
	fs.DurationVar(&s.timeout, "timeout", 5*time.Minute, "Request timeout")
	fs.IntVar(&s.maxMessageSize, "max-message-size", transport.DefaultMaxMessageSize, "Maximum gRPC message size in bytes")
}

func (s *serverFlags) connect() (*transport.Client, context.Context, context.CancelFunc, error) {
	client, err := transport.Dial(s.addr, s.maxMessageSize)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	return client, ctx, func() {
		cancel()
		client.Close()
	}, nil
}
