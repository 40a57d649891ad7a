package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/halilibrahimkanpak/eeval/he"
)

func ping(args []string) error {
	var s serverFlags
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	s.register(fs)
	fs.Parse(args)

	client, ctx, done, err := s.connect()
	if err != nil {
		return err
	}
	defer done()
	if err := client.Ping(ctx); err != nil {
		return err
	}
	fmt.Println("pong")
	return nil
}

func listModels(args []string) error {
	var s serverFlags
	fs := flag.NewFlagSet("list-models", flag.ExitOnError)
	s.register(fs)
	namesOnly := fs.Bool("n", false, "Print model names only")
	fs.Parse(args)

	client, ctx, done, err := s.connect()
	if err != nil {
		return err
	}
	defer done()
	defs, err := client.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, d := range defs {
		if *namesOnly {
			fmt.Println(d.Name)
			continue
		}
		fmt.Printf("%s (versions: %s, default: %s)\n", d.Name, strings.Join(d.Versions, ", "), d.DefaultVersion)
	}
	return nil
}

func modelInfo(args []string) error {
	var s serverFlags
	fs := flag.NewFlagSet("model-info", flag.ExitOnError)
	s.register(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: eeval model-info [options] <model>")
	}

	client, ctx, done, err := s.connect()
	if err != nil {
		return err
	}
	defer done()
	d, err := client.DescribeModel(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("Model:           %s\n", d.Name)
	fmt.Printf("Versions:        %s\n", strings.Join(d.Versions, ", "))
	fmt.Printf("Default version: %s\n", d.DefaultVersion)
	fmt.Printf("Description:     %s\n", d.Description)
	return nil
}

// eval sends the context and an encrypted input to the server. The secret
// key stays local unless -sk is given.
func eval(args []string) error {
	var s serverFlags
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	s.register(fs)
	ctxPath := fs.String("context", "context.bin", "Context file")
	inPath := fs.String("in", "input.bin", "Encrypted input")
	outPath := fs.String("out", "output.bin", "Where to write the encrypted output")
	model := fs.String("model", "fc", "Model name")
	version := fs.String("version", "", "Model version (default version if empty)")
	sendSecret := fs.Bool("sk", false, "Send the secret key along with the context")
	decryptOut := fs.Bool("decrypt", false, "Decrypt the output and print the predicted class")
	fs.Parse(args)

	heCtx, err := readContext(*ctxPath)
	if err != nil {
		return err
	}
	input, err := os.ReadFile(*inPath)
	if err != nil {
		return err
	}
	if _, err := heCtx.UnmarshalVector(input); err != nil {
		return fmt.Errorf("%s was not encrypted under %s: %w", *inPath, *ctxPath, err)
	}

	var ctxBlob []byte
	if *sendSecret {
		ctxBlob, err = heCtx.MarshalBinary()
	} else {
		ctxBlob, err = heCtx.MarshalPublic()
	}
	if err != nil {
		return err
	}

	client, ctx, done, err := s.connect()
	if err != nil {
		return err
	}
	defer done()
	output, err := client.Evaluate(ctx, *model, *version, ctxBlob, input)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*outPath, output, 0o644); err != nil {
		return err
	}
	fmt.Printf("Encrypted output written to %s\n", *outPath)

	if !*decryptOut {
		return nil
	}
	values, err := decryptBlob(heCtx, output)
	if err != nil {
		return err
	}
	fmt.Printf("Scores: %v\n", values)
	fmt.Printf("Predicted class: %d\n", argmax(values))
	return nil
}

func readContext(path string) (*he.Context, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return he.UnmarshalContext(data)
}
