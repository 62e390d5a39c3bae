package domain

import "math"

// VectorDim is the fixed dimensionality of a SignatureVector
const VectorDim = 32

// SignatureVector is a behavioral embedding of one fragment
type SignatureVector [VectorDim]float64

// Norm returns the Euclidean length
func (v SignatureVector) Norm() float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// IsZero reports whether every component is zero
func (v SignatureVector) IsZero() bool {
	return v == SignatureVector{}
}

// Dot returns the inner product
func (v SignatureVector) Dot(o SignatureVector) float64 {
	var sum float64
	for i := range v {
		sum += v[i] * o[i]
	}
	return sum
}

// Cosine returns the cosine similarity, 0 when either vector has no length
func (v SignatureVector) Cosine(o SignatureVector) float64 {
	nv, no := v.Norm(), o.Norm()
	if nv == 0 || no == 0 {
		return 0
	}
	return v.Dot(o) / (nv * no)
}

// Normalize returns v scaled to unit length, or the zero vector
func (v SignatureVector) Normalize() SignatureVector {
	n := v.Norm()
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return SignatureVector{}
	}
	var out SignatureVector
	for i, x := range v {
		out[i] = x / n
	}
	return out
}

// Scale multiplies every component by k
func (v SignatureVector) Scale(k float64) SignatureVector {
	for i := range v {
		v[i] *= k
	}
	return v
}

// Add returns the component-wise sum
func (v SignatureVector) Add(o SignatureVector) SignatureVector {
	for i := range v {
		v[i] += o[i]
	}
	return v
}
