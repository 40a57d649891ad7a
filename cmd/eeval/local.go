package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/halilibrahimkanpak/eeval/he"
	"github.com/halilibrahimkanpak/eeval/im2col"
)

func createContext(args []string) error {
	fs := flag.NewFlagSet("create-context", flag.ExitOnError)
	outPath := fs.String("out", "context.bin", "Where to write the context")
	polyDegree := fs.Int("poly-degree", 1<<he.DefaultParameters.LogN, "Polynomial modulus degree (power of two)")
	coeffSizes := fs.String("coeff-sizes", "55,40,40,40,40,40,40,61", "Comma separated bit sizes of the coefficient moduli")
	scale := fs.Int("scale", he.DefaultParameters.LogDefaultScale, "Scale in bits")
	galois := fs.Bool("galois", true, "Generate power-of-two rotation keys")
	relin := fs.Bool("relin", true, "Generate the relinearization key")
	secret := fs.Bool("secret", true, "Keep the secret key in the written context")
	fs.Parse(args)

	var bits []int
	for _, s := range strings.Split(*coeffSizes, ",") {
		b, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("invalid coefficient size %q", s)
		}
		bits = append(bits, b)
	}
	lit, err := he.ParametersFromSizes(*polyDegree, bits, *scale)
	if err != nil {
		return err
	}

	var opts []he.Option
	if *galois {
		opts = append(opts, he.WithPowerOfTwoRotations())
	}
	if *relin {
		opts = append(opts, he.WithRelinearizationKey())
	}
	heCtx, err := he.NewContext(lit, opts...)
	if err != nil {
		return err
	}

	var data []byte
	if *secret {
		data, err = heCtx.MarshalBinary()
	} else {
		data, err = heCtx.MarshalPublic()
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(*outPath, data, 0o600); err != nil {
		return err
	}
	fmt.Printf("Context with %d slots and %d levels written to %s (%d bytes)\n", heCtx.Slots(), heCtx.MaxLevel(), *outPath, len(data))
	return nil
}

// encrypt reads either a JSON array of numbers or one image of an IDX file,
// im2col-encoded when -kernel is set.
func encrypt(args []string) error {
	fs := flag.NewFlagSet("encrypt", flag.ExitOnError)
	ctxPath := fs.String("context", "context.bin", "Context file")
	inPath := fs.String("in", "", "JSON file holding an array of numbers")
	idxPath := fs.String("idx", "", "IDX image file to read from instead of -in")
	index := fs.Int("index", 0, "Image index in the IDX file")
	kernel := fs.Int("kernel", 0, "im2col kernel size (0 encodes the raw pixels)")
	stride := fs.Int("stride", 1, "im2col stride")
	outPath := fs.String("out", "input.bin", "Where to write the encrypted vector")
	fs.Parse(args)

	var values []float64
	switch {
	case *idxPath != "":
		images, err := im2col.ReadImages(*idxPath)
		if err != nil {
			return err
		}
		if *index < 0 || *index >= len(images.Pixels) {
			return fmt.Errorf("image index %d out of range [0, %d)", *index, len(images.Pixels))
		}
		values = images.Pixels[*index]
		if *kernel > 0 {
			var windows int
			values, windows, err = im2col.Encode(values, images.Rows, images.Cols, *kernel, *stride)
			if err != nil {
				return err
			}
			fmt.Printf("im2col: %d windows of %d pixels\n", windows, *kernel**kernel)
		}
	case *inPath != "":
		data, err := os.ReadFile(*inPath)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &values); err != nil {
			return fmt.Errorf("%s must hold a JSON array of numbers: %w", *inPath, err)
		}
	default:
		return fmt.Errorf("one of -in or -idx is required")
	}

	heCtx, err := readContext(*ctxPath)
	if err != nil {
		return err
	}
	v, err := heCtx.Encrypt(values)
	if err != nil {
		return err
	}
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.WriteFile(*outPath, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("%d values encrypted to %s\n", len(values), *outPath)
	return nil
}

func decrypt(args []string) error {
	fs := flag.NewFlagSet("decrypt", flag.ExitOnError)
	ctxPath := fs.String("context", "context.bin", "Context file holding the secret key")
	inPath := fs.String("in", "output.bin", "Encrypted vector")
	showArgmax := fs.Bool("argmax", false, "Also print the index of the largest value")
	fs.Parse(args)

	heCtx, err := readContext(*ctxPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(*inPath)
	if err != nil {
		return err
	}
	values, err := decryptBlob(heCtx, data)
	if err != nil {
		return err
	}
	out, err := json.Marshal(values)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if *showArgmax {
		fmt.Printf("argmax: %d\n", argmax(values))
	}
	return nil
}

func decryptBlob(heCtx *he.Context, data []byte) ([]float64, error) {
	v, err := heCtx.UnmarshalVector(data)
	if err != nil {
		return nil, err
	}
	return heCtx.Decrypt(v)
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
