package audio

// Resampler converts mono float32 PCM from a source rate to a destination
// rate using linear interpolation. The fractional read position and the last
// input sample are carried across calls so the converter can be reused for
// an entire stream without per-frame reallocation and without interpolation
// seams at frame boundaries.
//
// Not safe for concurrent use; create one per stream.
type Resampler struct {
	srcRate int
	dstRate int

	pos      float64 // fractional read position into the next input
	carry    float32 // last sample of the previous input
	hasCarry bool
}

// NewResampler creates a resampler from srcRate to dstRate (both in Hz).
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{srcRate: srcRate, dstRate: dstRate}
}

// SourceRate returns the configured input sample rate.
func (r *Resampler) SourceRate() int { return r.srcRate }

// Resample converts one block of mono samples. Output length varies slightly
// between calls because the fractional position carries over; across many
// blocks the output rate converges to dstRate/srcRate of the input rate.
// The input slice is not retained.
func (r *Resampler) Resample(in []float32) []float32 {
	if r.srcRate <= 0 || r.dstRate <= 0 || r.srcRate == r.dstRate {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}
	if len(in) == 0 {
		return nil
	}

	// Virtually prepend the carried sample so interpolation can span the
	// boundary between the previous block and this one.
	src := in
	if r.hasCarry {
		src = make([]float32, 0, len(in)+1)
		src = append(src, r.carry)
		src = append(src, in...)
	}

	ratio := float64(r.srcRate) / float64(r.dstRate)
	out := make([]float32, 0, int(float64(len(src))/ratio)+1)

	pos := r.pos
	for int(pos)+1 < len(src) {
		idx := int(pos)
		frac := float32(pos - float64(idx))
		out = append(out, src[idx]*(1-frac)+src[idx+1]*frac)
		pos += ratio
	}

	// The last sample becomes the carry; the remaining fractional position
	// is expressed relative to it.
	r.carry = src[len(src)-1]
	r.hasCarry = true
	r.pos = pos - float64(len(src)-1)

	return out
}

// Reset clears the carried interpolation state. Call between independent
// streams that reuse the same converter.
func (r *Resampler) Reset() {
	r.pos = 0
	r.carry = 0
	r.hasCarry = false
}
