// Package he wraps the CKKS scheme of lattigo behind the operations needed to
// evaluate models and train on encrypted vectors: a key-carrying Context,
// serializable encrypted Vectors and an Evaluator for vector arithmetic.
package he

import (
	"fmt"
	"sort"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/ring/ringqp"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
	"github.com/zeebo/blake3"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/halilibrahimkanpak/eeval/errdefs"
)

const (
	ctxFieldParams    protowire.Number = 1
	ctxFieldPublicKey protowire.Number = 2
	ctxFieldSecretKey protowire.Number = 3
	ctxFieldRelinKey  protowire.Number = 4
	ctxFieldGaloisKey protowire.Number = 5
)

// Context holds the CKKS parameters and the key material of one client. A
// Context without a secret key can encrypt and evaluate but not decrypt.
// A Context is immutable and safe for concurrent use.
type Context struct {
	params ckks.Parameters
	pk     *rlwe.PublicKey
	sk     *rlwe.SecretKey
	rlk    *rlwe.RelinearizationKey
	gks    map[uint64]*rlwe.GaloisKey

	evk         *rlwe.MemEvaluationKeySet
	fingerprint [32]byte
	pools       *pools
}

// Option selects the evaluation keys generated by NewContext.
type Option func(*keyOptions)

type keyOptions struct {
	relin     bool
	rotations []int
}

// WithRelinearizationKey generates a relinearization key, required for
// ciphertext-ciphertext multiplications.
func WithRelinearizationKey() Option {
	return func(o *keyOptions) { o.relin = true }
}

// WithRotationKeys generates Galois keys for the given left rotations.
func WithRotationKeys(rotations ...int) Option {
	return func(o *keyOptions) { o.rotations = append(o.rotations, rotations...) }
}

// WithPowerOfTwoRotations generates Galois keys for every power-of-two
// rotation below the number of slots.
func WithPowerOfTwoRotations() Option {
	return func(o *keyOptions) { o.rotations = append(o.rotations, -1) }
}

// NewContext generates a fresh key set for the given parameters.
func NewContext(lit ckks.ParametersLiteral, opts ...Option) (*Context, error) {
	var o keyOptions
	for _, opt := range opts {
		opt(&o)
	}

	params, err := ckks.NewParametersFromLiteral(lit)
	if err != nil {
		return nil, errdefs.InvalidArgument("he.NewContext", "error creating CKKS parameters: %v", err)
	}

	kgen := rlwe.NewKeyGenerator(params)
	sk := kgen.GenSecretKeyNew()
	pk := kgen.GenPublicKeyNew(sk)

	var rlk *rlwe.RelinearizationKey
	if o.relin {
		rlk = kgen.GenRelinearizationKeyNew(sk)
	}

	rotations := make(map[int]bool)
	for _, k := range o.rotations {
		if k == -1 {
			for _, p := range PowerOfTwoRotations(params.MaxSlots()) {
				rotations[p] = true
			}
			continue
		}
		rotations[k] = true
	}
	var gks []*rlwe.GaloisKey
	for _, k := range sortedKeys(rotations) {
		gks = append(gks, kgen.GenGaloisKeyNew(params.GaloisElement(k), sk))
	}

	return newContext(params, pk, sk, rlk, gks)
}

func newContext(params ckks.Parameters, pk *rlwe.PublicKey, sk *rlwe.SecretKey, rlk *rlwe.RelinearizationKey, gks []*rlwe.GaloisKey) (*Context, error) {
	paramsBytes, err := params.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	pkBytes, err := pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	c := &Context{
		params:      params,
		pk:          pk,
		sk:          sk,
		rlk:         rlk,
		gks:         make(map[uint64]*rlwe.GaloisKey, len(gks)),
		fingerprint: blake3.Sum256(append(paramsBytes, pkBytes...)),
	}
	for _, gk := range gks {
		c.gks[gk.GaloisElement] = gk
	}
	c.evk = rlwe.NewMemEvaluationKeySet(rlk, gks...)
	c.pools = newPools(c)
	return c, nil
}

// Params returns the CKKS parameters of the context.
func (c *Context) Params() ckks.Parameters { return c.params }

// Slots returns the number of real values packed in one ciphertext.
func (c *Context) Slots() int { return c.params.MaxSlots() }

// MaxLevel returns the level of a fresh ciphertext.
func (c *Context) MaxLevel() int { return c.params.MaxLevel() }

// Fingerprint identifies the parameters and public key of the context.
func (c *Context) Fingerprint() [32]byte { return c.fingerprint }

// IsPrivate reports whether the context holds the secret key.
func (c *Context) IsPrivate() bool { return c.sk != nil }

// HasRelinearizationKey reports whether ciphertext products can be relinearized.
func (c *Context) HasRelinearizationKey() bool { return c.rlk != nil }

// HasRotation reports whether a Galois key for a left rotation by k is present.
func (c *Context) HasRotation(k int) bool {
	_, ok := c.gks[c.params.GaloisElement(k)]
	return ok
}

// HasGaloisKeys reports whether keys for all the given Galois elements are
// present. Without arguments it checks every power-of-two rotation.
func (c *Context) HasGaloisKeys(galEls ...uint64) bool {
	if len(galEls) > 0 {
		for _, galEl := range galEls {
			if _, ok := c.gks[galEl]; !ok {
				return false
			}
		}
		return true
	}
	for _, k := range PowerOfTwoRotations(c.Slots()) {
		if !c.HasRotation(k) {
			return false
		}
	}
	return true
}

// Requirements lists the key material an operation needs.
type Requirements struct {
	Relinearization bool
	Rotations       bool // power-of-two rotations
	SecretKey       bool
}

// Require returns an InvalidContext error naming the first missing key.
func (c *Context) Require(req Requirements) error {
	const op = "he.Require"
	if req.SecretKey && !c.IsPrivate() {
		return errdefs.InvalidContext(op, "the context doesn't hold a secret key")
	}
	if req.Relinearization && !c.HasRelinearizationKey() {
		return errdefs.InvalidContext(op, "the context doesn't hold a relinearization key")
	}
	if req.Rotations && !c.HasGaloisKeys() {
		return errdefs.InvalidContext(op, "the context doesn't hold the galois keys needed for rotations")
	}
	return nil
}

// Public returns the same context without its secret key.
func (c *Context) Public() *Context {
	if c.sk == nil {
		return c
	}
	p := &Context{
		params:      c.params,
		pk:          c.pk,
		rlk:         c.rlk,
		gks:         c.gks,
		evk:         c.evk,
		fingerprint: c.fingerprint,
	}
	p.pools = newPools(p)
	return p
}

// MarshalBinary serializes the context including the secret key if present.
func (c *Context) MarshalBinary() ([]byte, error) {
	return c.marshal(true)
}

// MarshalPublic serializes the context without the secret key.
func (c *Context) MarshalPublic() ([]byte, error) {
	return c.marshal(false)
}

func (c *Context) marshal(withSecret bool) ([]byte, error) {
	var b []byte

	data, err := c.params.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	b = appendBytesField(b, ctxFieldParams, data)

	if data, err = c.pk.MarshalBinary(); err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	b = appendBytesField(b, ctxFieldPublicKey, data)

	if withSecret && c.sk != nil {
		if data, err = c.sk.MarshalBinary(); err != nil {
			return nil, fmt.Errorf("marshal secret key: %w", err)
		}
		b = appendBytesField(b, ctxFieldSecretKey, data)
	}

	if c.rlk != nil {
		if data, err = c.rlk.MarshalBinary(); err != nil {
			return nil, fmt.Errorf("marshal relinearization key: %w", err)
		}
		b = appendBytesField(b, ctxFieldRelinKey, data)
	}

	galEls := make([]uint64, 0, len(c.gks))
	for galEl := range c.gks {
		galEls = append(galEls, galEl)
	}
	sort.Slice(galEls, func(i, j int) bool { return galEls[i] < galEls[j] })
	for _, galEl := range galEls {
		if data, err = c.gks[galEl].MarshalBinary(); err != nil {
			return nil, fmt.Errorf("marshal galois key %d: %w", galEl, err)
		}
		b = appendBytesField(b, ctxFieldGaloisKey, data)
	}
	return b, nil
}

// UnmarshalContext parses a context serialized by MarshalBinary or
// MarshalPublic. Malformed input yields a Deserialization error.
func UnmarshalContext(data []byte) (*Context, error) {
	const op = "he.UnmarshalContext"

	fields, err := decodeFields(data)
	if err != nil {
		return nil, errdefs.Deserialization(op, err)
	}

	var (
		params   ckks.Parameters
		pk       *rlwe.PublicKey
		sk       *rlwe.SecretKey
		rlk      *rlwe.RelinearizationKey
		gks      []*rlwe.GaloisKey
		hasParam bool
	)
	for _, f := range fields {
		switch f.num {
		case ctxFieldParams:
			if err := params.UnmarshalBinary(f.bytes); err != nil {
				return nil, errdefs.Deserialization(op, fmt.Errorf("parameters: %w", err))
			}
			hasParam = true
		case ctxFieldPublicKey:
			pk = new(rlwe.PublicKey)
			if err := pk.UnmarshalBinary(f.bytes); err != nil {
				return nil, errdefs.Deserialization(op, fmt.Errorf("public key: %w", err))
			}
		case ctxFieldSecretKey:
			sk = new(rlwe.SecretKey)
			if err := sk.UnmarshalBinary(f.bytes); err != nil {
				return nil, errdefs.Deserialization(op, fmt.Errorf("secret key: %w", err))
			}
		case ctxFieldRelinKey:
			rlk = new(rlwe.RelinearizationKey)
			if err := rlk.UnmarshalBinary(f.bytes); err != nil {
				return nil, errdefs.Deserialization(op, fmt.Errorf("relinearization key: %w", err))
			}
		case ctxFieldGaloisKey:
			gk := new(rlwe.GaloisKey)
			if err := gk.UnmarshalBinary(f.bytes); err != nil {
				return nil, errdefs.Deserialization(op, fmt.Errorf("galois key: %w", err))
			}
			gks = append(gks, gk)
		}
	}
	if !hasParam || pk == nil {
		return nil, errdefs.Deserialization(op, fmt.Errorf("context is missing its parameters or public key"))
	}
	if err := checkKeys(params, pk, sk, rlk, gks); err != nil {
		return nil, errdefs.Deserialization(op, err)
	}

	c, err := newContext(params, pk, sk, rlk, gks)
	if err != nil {
		return nil, errdefs.Deserialization(op, err)
	}
	return c, nil
}

// checkKeys verifies that every key was generated for params: same ring
// degree and full Q and P moduli chains.
func checkKeys(params ckks.Parameters, pk *rlwe.PublicKey, sk *rlwe.SecretKey, rlk *rlwe.RelinearizationKey, gks []*rlwe.GaloisKey) error {
	if err := checkPolys(params, "public key", pk.Value...); err != nil {
		return err
	}
	if sk != nil {
		if err := checkPolys(params, "secret key", sk.Value); err != nil {
			return err
		}
	}
	if rlk != nil {
		if err := checkGadget(params, "relinearization key", rlk.GadgetCiphertext); err != nil {
			return err
		}
	}
	nthRoot := params.RingQ().NthRoot()
	for _, gk := range gks {
		if gk.NthRoot != nthRoot || gk.GaloisElement&1 == 0 || gk.GaloisElement >= nthRoot {
			return fmt.Errorf("galois key has element %d for a ring of order %d, which is not valid for parameters of order %d",
				gk.GaloisElement, gk.NthRoot, nthRoot)
		}
		if err := checkGadget(params, fmt.Sprintf("galois key %d", gk.GaloisElement), gk.GadgetCiphertext); err != nil {
			return err
		}
	}
	return nil
}

func checkGadget(params ckks.Parameters, what string, ct rlwe.GadgetCiphertext) error {
	if len(ct.Value) == 0 {
		return fmt.Errorf("%s is empty", what)
	}
	for _, row := range ct.Value {
		for _, v := range row {
			if err := checkPolys(params, what, v...); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkPolys(params ckks.Parameters, what string, polys ...ringqp.Poly) error {
	if len(polys) == 0 {
		return fmt.Errorf("%s is empty", what)
	}
	for _, p := range polys {
		if p.Q.N() != params.N() || p.LevelQ() != params.MaxLevelQ() || p.LevelP() != params.MaxLevelP() {
			return fmt.Errorf("%s doesn't match the parameters: got degree %d with levels %d/%d, want degree %d with levels %d/%d",
				what, p.Q.N(), p.LevelQ(), p.LevelP(), params.N(), params.MaxLevelQ(), params.MaxLevelP())
		}
		if p.LevelP() >= 0 && p.P.N() != params.N() {
			return fmt.Errorf("%s doesn't match the parameters: P part has degree %d, want %d", what, p.P.N(), params.N())
		}
	}
	return nil
}

func sortedKeys(m map[int]bool) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
