package he

import (
	"sync"

	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// pools holds per-context reusable objects. ckks.Encoder is not safe for
// concurrent use, so each goroutine borrows its own shallow copy.
type pools struct {
	slots    int
	float64s sync.Pool
	encoders sync.Pool
}

func newPools(c *Context) *pools {
	base := ckks.NewEncoder(c.params)
	p := &pools{slots: c.params.MaxSlots()}
	p.float64s.New = func() interface{} {
		return make([]float64, p.slots)
	}
	p.encoders.New = func() interface{} {
		return base.ShallowCopy()
	}
	return p
}

// getFloat64s returns a zeroed buffer of one value per slot.
// Release it with putFloat64s.
func (p *pools) getFloat64s() []float64 {
	buf := p.float64s.Get().([]float64)
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

func (p *pools) putFloat64s(buf []float64) {
	p.float64s.Put(buf)
}

func (p *pools) getEncoder() *ckks.Encoder {
	return p.encoders.Get().(*ckks.Encoder)
}

func (p *pools) putEncoder(enc *ckks.Encoder) {
	p.encoders.Put(enc)
}
