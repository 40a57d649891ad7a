package he

import (
	"bytes"
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/halilibrahimkanpak/eeval/errdefs"
)

const (
	vecFieldFingerprint protowire.Number = 1
	vecFieldSize        protowire.Number = 2
	vecFieldCiphertext  protowire.Number = 3
)

// Vector is an encrypted vector of real values bound to the context it was
// encrypted under. Size is the number of meaningful leading slots; the
// remaining slots hold zeros or replicas depending on how it was built.
type Vector struct {
	ctx  *Context
	ct   *rlwe.Ciphertext
	size int
}

func newVector(ctx *Context, ct *rlwe.Ciphertext, size int) *Vector {
	return &Vector{ctx: ctx, ct: ct, size: size}
}

// Context returns the context the vector belongs to.
func (v *Vector) Context() *Context { return v.ctx }

// Ciphertext returns the underlying ciphertext.
func (v *Vector) Ciphertext() *rlwe.Ciphertext { return v.ct }

// Size returns the logical length of the vector.
func (v *Vector) Size() int { return v.size }

// Level returns the remaining multiplicative levels.
func (v *Vector) Level() int { return v.ct.Level() }

// MarshalBinary serializes the ciphertext together with the fingerprint of
// its context.
func (v *Vector) MarshalBinary() ([]byte, error) {
	data, err := v.ct.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal ciphertext: %w", err)
	}
	fp := v.ctx.fingerprint
	var b []byte
	b = appendBytesField(b, vecFieldFingerprint, fp[:])
	b = appendVarintField(b, vecFieldSize, uint64(v.size))
	b = appendBytesField(b, vecFieldCiphertext, data)
	return b, nil
}

// UnmarshalVector parses a vector serialized by Vector.MarshalBinary. A vector
// encrypted under a different context is rejected.
func (c *Context) UnmarshalVector(data []byte) (*Vector, error) {
	const op = "he.UnmarshalVector"

	fields, err := decodeFields(data)
	if err != nil {
		return nil, errdefs.Deserialization(op, err)
	}

	var (
		fp   []byte
		size uint64
		ct   *rlwe.Ciphertext
	)
	for _, f := range fields {
		switch f.num {
		case vecFieldFingerprint:
			fp = f.bytes
		case vecFieldSize:
			size = f.varint
		case vecFieldCiphertext:
			ct = new(rlwe.Ciphertext)
			if err := ct.UnmarshalBinary(f.bytes); err != nil {
				return nil, errdefs.Deserialization(op, fmt.Errorf("ciphertext: %w", err))
			}
		}
	}
	if ct == nil {
		return nil, errdefs.Deserialization(op, fmt.Errorf("no ciphertext in vector"))
	}
	if !bytes.Equal(fp, c.fingerprint[:]) {
		return nil, errdefs.Deserialization(op, fmt.Errorf("vector was encrypted under a different context"))
	}
	if ct.Level() > c.params.MaxLevel() || ct.LogN() != c.params.LogN() {
		return nil, errdefs.Deserialization(op, fmt.Errorf("ciphertext doesn't match the context parameters"))
	}
	if size == 0 || int(size) > c.Slots() {
		return nil, errdefs.Deserialization(op, fmt.Errorf("invalid vector size %d", size))
	}
	return newVector(c, ct, int(size)), nil
}

// Encrypt encodes values in the leading slots, zero-pads the rest, and
// encrypts with the public key.
func (c *Context) Encrypt(values []float64) (*Vector, error) {
	if len(values) == 0 || len(values) > c.Slots() {
		return nil, errdefs.InvalidArgument("he.Encrypt", "cannot pack %d values in %d slots", len(values), c.Slots())
	}
	buf := c.pools.getFloat64s()
	defer c.pools.putFloat64s(buf)
	copy(buf, values)

	ct, err := c.encrypt(buf)
	if err != nil {
		return nil, err
	}
	return newVector(c, ct, len(values)), nil
}

// EncryptReplicated encrypts value in every slot. The result has size 1.
func (c *Context) EncryptReplicated(value float64) (*Vector, error) {
	buf := c.pools.getFloat64s()
	defer c.pools.putFloat64s(buf)
	for i := range buf {
		buf[i] = value
	}

	ct, err := c.encrypt(buf)
	if err != nil {
		return nil, err
	}
	return newVector(c, ct, 1), nil
}

func (c *Context) encrypt(slots []float64) (*rlwe.Ciphertext, error) {
	enc := c.pools.getEncoder()
	defer c.pools.putEncoder(enc)

	pt := ckks.NewPlaintext(c.params, c.params.MaxLevel())
	if err := enc.Encode(slots, pt); err != nil {
		return nil, errdefs.Internal("he.Encrypt", fmt.Errorf("error encoding values: %w", err))
	}
	ct, err := rlwe.NewEncryptor(c.params, c.pk).EncryptNew(pt)
	if err != nil {
		return nil, errdefs.Internal("he.Encrypt", fmt.Errorf("error encrypting values: %w", err))
	}
	return ct, nil
}

// Decrypt returns the first Size values of v. The context must hold the
// secret key.
func (c *Context) Decrypt(v *Vector) ([]float64, error) {
	values, err := c.DecryptSlots(v)
	if err != nil {
		return nil, err
	}
	return values[:v.size], nil
}

// DecryptSlots returns every slot of v.
func (c *Context) DecryptSlots(v *Vector) ([]float64, error) {
	if err := c.Require(Requirements{SecretKey: true}); err != nil {
		return nil, err
	}
	if v.ctx.fingerprint != c.fingerprint {
		return nil, errdefs.InvalidContext("he.Decrypt", "vector belongs to a different context")
	}

	enc := c.pools.getEncoder()
	defer c.pools.putEncoder(enc)

	pt := rlwe.NewDecryptor(c.params, c.sk).DecryptNew(v.ct)
	values := make([]float64, c.Slots())
	if err := enc.Decode(pt, values); err != nil {
		return nil, errdefs.Internal("he.Decrypt", fmt.Errorf("error decoding plaintext: %w", err))
	}
	return values, nil
}
