package he

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// Evaluator performs arithmetic on vectors of a single context. An Evaluator
// is not safe for concurrent use; give each goroutine a ShallowCopy.
type Evaluator struct {
	ctx  *Context
	eval *ckks.Evaluator
}

// NewEvaluator returns an evaluator using the evaluation keys of ctx.
func NewEvaluator(ctx *Context) *Evaluator {
	return &Evaluator{ctx: ctx, eval: ckks.NewEvaluator(ctx.params, ctx.evk)}
}

// ShallowCopy returns an evaluator sharing keys but not buffers.
func (e *Evaluator) ShallowCopy() *Evaluator {
	return &Evaluator{ctx: e.ctx, eval: e.eval.ShallowCopy()}
}

// Context returns the context the evaluator works on.
func (e *Evaluator) Context() *Context { return e.ctx }

func (e *Evaluator) check(vs ...*Vector) error {
	for _, v := range vs {
		if v.ctx.fingerprint != e.ctx.fingerprint {
			return fmt.Errorf("vector belongs to a different context")
		}
	}
	return nil
}

func needLevels(v *Vector, n int) error {
	if v.ct.Level() < n {
		return fmt.Errorf("not enough levels left: need %d, have %d", n, v.ct.Level())
	}
	return nil
}

// Add returns a + b slot-wise.
func (e *Evaluator) Add(a, b *Vector) (*Vector, error) {
	if err := e.check(a, b); err != nil {
		return nil, err
	}
	ct, err := e.eval.AddNew(a.ct, b.ct)
	if err != nil {
		return nil, fmt.Errorf("error in addition: %w", err)
	}
	return newVector(e.ctx, ct, max(a.size, b.size)), nil
}

// Sub returns a - b slot-wise.
func (e *Evaluator) Sub(a, b *Vector) (*Vector, error) {
	if err := e.check(a, b); err != nil {
		return nil, err
	}
	ct, err := e.eval.SubNew(a.ct, b.ct)
	if err != nil {
		return nil, fmt.Errorf("error in subtraction: %w", err)
	}
	return newVector(e.ctx, ct, max(a.size, b.size)), nil
}

// AddConst adds c to every slot of v.
func (e *Evaluator) AddConst(v *Vector, c float64) (*Vector, error) {
	ct, err := e.eval.AddNew(v.ct, c)
	if err != nil {
		return nil, fmt.Errorf("error adding constant: %w", err)
	}
	return newVector(e.ctx, ct, v.size), nil
}

// AddPlain adds a plaintext vector to the leading slots of v.
func (e *Evaluator) AddPlain(v *Vector, values []float64) (*Vector, error) {
	if len(values) > e.ctx.Slots() {
		return nil, fmt.Errorf("cannot add %d values to %d slots", len(values), e.ctx.Slots())
	}
	buf := e.ctx.pools.getFloat64s()
	defer e.ctx.pools.putFloat64s(buf)
	copy(buf, values)

	ct, err := e.eval.AddNew(v.ct, buf)
	if err != nil {
		return nil, fmt.Errorf("error adding plaintext: %w", err)
	}
	return newVector(e.ctx, ct, max(v.size, len(values))), nil
}

// MulPlain multiplies v slot-wise by a plaintext vector (zero beyond its
// length) and rescales. Consumes one level.
func (e *Evaluator) MulPlain(v *Vector, values []float64) (*Vector, error) {
	if len(values) > e.ctx.Slots() {
		return nil, fmt.Errorf("cannot multiply %d values with %d slots", len(values), e.ctx.Slots())
	}
	buf := e.ctx.pools.getFloat64s()
	defer e.ctx.pools.putFloat64s(buf)
	copy(buf, values)

	ct, err := e.mulPlainRescale(v, buf)
	if err != nil {
		return nil, err
	}
	return newVector(e.ctx, ct, v.size), nil
}

// MulConst multiplies every slot of v by c and rescales. Consumes one level.
func (e *Evaluator) MulConst(v *Vector, c float64) (*Vector, error) {
	buf := e.ctx.pools.getFloat64s()
	defer e.ctx.pools.putFloat64s(buf)
	for i := range buf {
		buf[i] = c
	}

	ct, err := e.mulPlainRescale(v, buf)
	if err != nil {
		return nil, err
	}
	return newVector(e.ctx, ct, v.size), nil
}

// mulPlainRescale multiplies by a full-slot plaintext vector. The vector is
// encoded at the scale of the current modulus, so the rescale restores the
// input scale exactly. Integer scalars would be encoded at scale 1, which is
// why constants always go through this path.
func (e *Evaluator) mulPlainRescale(v *Vector, slots []float64) (*rlwe.Ciphertext, error) {
	if err := needLevels(v, 1); err != nil {
		return nil, err
	}
	ct, err := e.eval.MulNew(v.ct, slots)
	if err != nil {
		return nil, fmt.Errorf("error in plaintext multiplication: %w", err)
	}
	if err = e.eval.Rescale(ct, ct); err != nil {
		return nil, fmt.Errorf("error rescaling: %w", err)
	}
	return ct, nil
}

// Mul returns a * b slot-wise, relinearized and rescaled. Consumes one level.
func (e *Evaluator) Mul(a, b *Vector) (*Vector, error) {
	if err := e.check(a, b); err != nil {
		return nil, err
	}
	ct, err := e.mulRelinRescale(a.ct, b.ct)
	if err != nil {
		return nil, err
	}
	return newVector(e.ctx, ct, max(a.size, b.size)), nil
}

func (e *Evaluator) mulRelinRescale(a, b *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	if err := e.ctx.Require(Requirements{Relinearization: true}); err != nil {
		return nil, err
	}
	if min(a.Level(), b.Level()) < 1 {
		return nil, fmt.Errorf("not enough levels left for multiplication")
	}
	ct, err := e.eval.MulRelinNew(a, b)
	if err != nil {
		return nil, fmt.Errorf("error in multiplication: %w", err)
	}
	if err = e.eval.Rescale(ct, ct); err != nil {
		return nil, fmt.Errorf("error rescaling: %w", err)
	}
	return ct, nil
}

// Square returns v * v. Consumes one level.
func (e *Evaluator) Square(v *Vector) (*Vector, error) {
	ct, err := e.mulRelinRescale(v.ct, v.ct)
	if err != nil {
		return nil, fmt.Errorf("error in square calculation: %w", err)
	}
	return newVector(e.ctx, ct, v.size), nil
}

// PolynomialDepth returns the number of levels Polynomial consumes for the
// given coefficients.
func PolynomialDepth(coeffs []float64) int {
	d := degree(coeffs)
	switch {
	case d <= 1:
		return 1
	case d == 2:
		return 2
	default:
		return d - 1
	}
}

func degree(coeffs []float64) int {
	for k := len(coeffs) - 1; k > 0; k-- {
		if coeffs[k] != 0 {
			return k
		}
	}
	return 0
}

// Polynomial evaluates sum_k coeffs[k] * v^k slot-wise. The constant term
// is added to every slot.
func (e *Evaluator) Polynomial(v *Vector, coeffs []float64) (*Vector, error) {
	if len(coeffs) == 0 {
		return nil, fmt.Errorf("polynomial has no coefficients")
	}
	if err := needLevels(v, PolynomialDepth(coeffs)); err != nil {
		return nil, fmt.Errorf("error in polynomial evaluation: %w", err)
	}
	d := degree(coeffs)

	// powers[k] = v^k
	powers := make([]*rlwe.Ciphertext, d)
	if d > 1 {
		powers[1] = v.ct
	}
	for k := 2; k < d; k++ {
		p, err := e.mulRelinRescale(powers[k-1], v.ct)
		if err != nil {
			return nil, fmt.Errorf("error computing power %d: %w", k, err)
		}
		powers[k] = p
	}

	var acc *rlwe.Ciphertext
	for k := 1; k <= d; k++ {
		if coeffs[k] == 0 {
			continue
		}
		term, err := e.MulConst(v, coeffs[k])
		if err != nil {
			return nil, fmt.Errorf("error scaling term %d: %w", k, err)
		}
		ct := term.ct
		if k > 1 {
			if ct, err = e.mulRelinRescale(ct, powers[k-1]); err != nil {
				return nil, fmt.Errorf("error computing term %d: %w", k, err)
			}
		}
		if acc == nil {
			acc = ct
			continue
		}
		if err := e.eval.Add(acc, ct, acc); err != nil {
			return nil, fmt.Errorf("error adding term %d: %w", k, err)
		}
	}
	if acc == nil {
		zero, err := e.MulConst(v, 0)
		if err != nil {
			return nil, err
		}
		acc = zero.ct
	}
	if coeffs[0] != 0 {
		if err := e.eval.Add(acc, coeffs[0], acc); err != nil {
			return nil, fmt.Errorf("error adding constant term: %w", err)
		}
	}
	return newVector(e.ctx, acc, v.size), nil
}

// RotateBy rotates v left by k slots (right for negative k), composing
// power-of-two rotations.
func (e *Evaluator) RotateBy(v *Vector, k int) (*Vector, error) {
	ct, err := e.rotate(v.ct, k)
	if err != nil {
		return nil, err
	}
	return newVector(e.ctx, ct, v.size), nil
}

// rotate never modifies ct; for k = 0 it returns ct itself.
func (e *Evaluator) rotate(ct *rlwe.Ciphertext, k int) (*rlwe.Ciphertext, error) {
	slots := e.ctx.Slots()
	k = ((k % slots) + slots) % slots
	res := ct
	for bit := 1; bit < slots; bit <<= 1 {
		if k&bit == 0 {
			continue
		}
		if !e.ctx.HasRotation(bit) {
			return nil, fmt.Errorf("missing galois key for rotation by %d", bit)
		}
		rotated, err := e.eval.RotateNew(res, bit)
		if err != nil {
			return nil, fmt.Errorf("error rotating by %d: %w", bit, err)
		}
		res = rotated
	}
	return res, nil
}

// Sum returns a vector holding the sum of all slots of v in every slot.
func (e *Evaluator) Sum(v *Vector) (*Vector, error) {
	slots := e.ctx.Slots()
	res := v.ct.CopyNew()
	tmp := v.ct.CopyNew()

	// log₂(slots) rotations/additions
	for k := 1; k < slots; k <<= 1 {
		if !e.ctx.HasRotation(k) {
			return nil, fmt.Errorf("missing galois key for rotation by %d", k)
		}
		if err := e.eval.Rotate(res, k, tmp); err != nil {
			return nil, fmt.Errorf("error in slot sum rotation: %w", err)
		}
		if err := e.eval.Add(res, tmp, res); err != nil {
			return nil, fmt.Errorf("error in slot sum addition: %w", err)
		}
	}
	return newVector(e.ctx, res, 1), nil
}

// Dot returns the inner product of a and b replicated in every slot. Both
// vectors must be zero beyond their size.
func (e *Evaluator) Dot(a, b *Vector) (*Vector, error) {
	prod, err := e.Mul(a, b)
	if err != nil {
		return nil, err
	}
	return e.Sum(prod)
}

// MatMul returns the row vector v times w, where w has one row per element of
// v. It uses the generalized diagonal method: out = sum_k rot(v, k) * d_k with
// d_k[j] = w[j+k][j], so only rotations and plaintext products are needed.
// Consumes one level.
func (e *Evaluator) MatMul(v *Vector, w [][]float64) (*Vector, error) {
	n := len(w)
	if n == 0 || len(w[0]) == 0 {
		return nil, fmt.Errorf("empty matrix")
	}
	m := len(w[0])
	for i := range w {
		if len(w[i]) != m {
			return nil, fmt.Errorf("matrix row %d has %d columns, want %d", i, len(w[i]), m)
		}
	}
	if v.size != n {
		return nil, fmt.Errorf("dimension mismatch: vector of size %d times %dx%d matrix", v.size, n, m)
	}
	slots := e.ctx.Slots()
	if m > slots {
		return nil, fmt.Errorf("output of size %d doesn't fit in %d slots", m, slots)
	}
	if err := needLevels(v, 1); err != nil {
		return nil, err
	}

	diag := e.ctx.pools.getFloat64s()
	defer e.ctx.pools.putFloat64s(diag)

	var (
		acc     *rlwe.Ciphertext
		rotated *rlwe.Ciphertext
		shift   int
	)
	// Diagonals are visited in increasing shift order so each one is reached
	// from the previous with a small extra rotation.
	for k := -(m - 1); k <= n-1; k++ {
		nonzero := false
		for j := 0; j < m; j++ {
			diag[j] = 0
			if i := j + k; i >= 0 && i < n {
				diag[j] = w[i][j]
				nonzero = nonzero || diag[j] != 0
			}
		}
		if !nonzero {
			continue
		}

		target := ((k % slots) + slots) % slots
		var err error
		if rotated == nil {
			rotated, err = e.rotate(v.ct, target)
		} else if target != shift {
			rotated, err = e.rotate(rotated, target-shift)
		}
		if err != nil {
			return nil, fmt.Errorf("error in matrix product: %w", err)
		}
		shift = target

		prod, err := e.eval.MulNew(rotated, diag)
		if err != nil {
			return nil, fmt.Errorf("error in matrix product diagonal %d: %w", k, err)
		}
		if acc == nil {
			acc = prod
			continue
		}
		if err = e.eval.Add(acc, prod, acc); err != nil {
			return nil, fmt.Errorf("error accumulating diagonal %d: %w", k, err)
		}
	}
	if acc == nil {
		var err error
		for j := range diag {
			diag[j] = 0
		}
		if acc, err = e.eval.MulNew(v.ct, diag); err != nil {
			return nil, fmt.Errorf("error in matrix product: %w", err)
		}
	}
	if err := e.eval.Rescale(acc, acc); err != nil {
		return nil, fmt.Errorf("error rescaling matrix product: %w", err)
	}
	return newVector(e.ctx, acc, m), nil
}

// Linear returns v*w + b. Consumes one level.
func (e *Evaluator) Linear(v *Vector, w [][]float64, b []float64) (*Vector, error) {
	out, err := e.MatMul(v, w)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return out, nil
	}
	if len(b) != out.size {
		return nil, fmt.Errorf("bias of size %d doesn't match output of size %d", len(b), out.size)
	}
	return e.AddPlain(out, b)
}
