// Package smoother adapts a dense Gauss-Newton nonlinear least-squares
// solve to the incremental contract the estimator needs: add a factor,
// insert or erase a value, relinearize/solve once, and read back the
// current estimate or a variable's marginal covariance. It deliberately
// does not implement a Bayes-tree incremental factorization (gtsam's
// ISAM2); a plain incremental smoother supporting add/erase and
// relinearization is sufficient for the estimator semantics this repo
// implements.
package smoother

import (
	"fmt"
	"sort"

	"github.com/go-slammot/estimator/factors"
	"github.com/go-slammot/estimator/se3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	jacobianEps  = 1e-6
	lmDamping    = 1e-6
	marginalDamp = 1e-9
)

// Smoother holds one partition's factors and values: either the ego
// partition or the loose partition. The orchestrator owns two
// instances that are relinearized/solved in sequence.
type Smoother struct {
	values factors.Values
	graph  []factors.Factor
}

// New returns an empty smoother.
func New() *Smoother {
	return &Smoother{values: factors.Values{}}
}

// InsertValue adds an initial value for a variable that does not yet exist.
// A factor's keys must already have values before the factor referencing
// them is added.
func (s *Smoother) InsertValue(key factors.Key, v0 se3.Pose) {
	s.values[key] = v0
}

// EraseValue removes a variable. Any factor that now references a missing
// key becomes inert until the value returns — callers are expected to
// erase factors referencing a key before erasing the key itself.
func (s *Smoother) EraseValue(key factors.Key) {
	delete(s.values, key)
}

// HasValue reports whether a variable currently has a value.
func (s *Smoother) HasValue(key factors.Key) bool {
	_, ok := s.values[key]
	return ok
}

// AddFactor registers a factor. All of its keys must already have values.
func (s *Smoother) AddFactor(f factors.Factor) error {
	for _, k := range f.Keys() {
		if _, ok := s.values[k]; !ok {
			return errors.Errorf("smoother: factor references key %d with no value", k)
		}
	}
	s.graph = append(s.graph, f)
	return nil
}

// NumFactors reports how many factors are currently in the graph.
func (s *Smoother) NumFactors() int { return len(s.graph) }

// orderedKeys returns every variable key that has a value, sorted
// ascending, giving a stable, deterministic variable ordering for the
// normal equations without needing to track insertion order separately.
func (s *Smoother) orderedKeys() []factors.Key {
	keys := make([]factors.Key, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Update performs one relinearize/solve step: build the Gauss-Newton
// normal equations from every factor whose keys are all present, solve
// for the tangent-space increment, and retract each variable's estimate.
func (s *Smoother) Update() error {
	order := s.orderedKeys()
	n := len(order)
	if n == 0 {
		return nil
	}
	idx := make(map[factors.Key]int, n)
	for i, k := range order {
		idx[k] = i
	}

	dim := 6 * n
	h := mat.NewSymDense(dim, nil)
	b := mat.NewVecDense(dim, nil)

	for _, f := range s.graph {
		if !s.factorIsActive(f) {
			continue
		}
		jac, r0 := s.linearize(f)
		keys := f.Keys()
		for bi, kb := range keys {
			rowsB := jac[bi]
			for c := 0; c < 6; c++ {
				var sum float64
				for rIdx := 0; rIdx < 6; rIdx++ {
					sum += rowsB[rIdx][c] * (-r0[rIdx])
				}
				gi := 6*idx[kb] + c
				b.SetVec(gi, b.AtVec(gi)+sum)
			}
			for bj, ka := range keys {
				rowsA := jac[bj]
				for ca := 0; ca < 6; ca++ {
					for cb := 0; cb < 6; cb++ {
						var sum float64
						for rIdx := 0; rIdx < 6; rIdx++ {
							sum += rowsA[rIdx][ca] * rowsB[rIdx][cb]
						}
						gi := 6*idx[ka] + ca
						gj := 6*idx[kb] + cb
						// SetSym writes (gi,gj) and (gj,gi) together and the
						// mirrored pair is visited too: accumulate each once.
						if gi > gj {
							continue
						}
						h.SetSym(gi, gj, h.At(gi, gj)+sum)
					}
				}
			}
		}
	}

	for i := 0; i < dim; i++ {
		h.SetSym(i, i, h.At(i, i)+lmDamping)
	}

	var chol mat.Cholesky
	ok := chol.Factorize(h)
	var dx mat.VecDense
	if ok {
		if err := chol.SolveVecTo(&dx, b); err != nil {
			return errors.Wrap(err, "smoother: cholesky solve failed")
		}
	} else {
		dense := mat.NewDense(dim, dim, nil)
		dense.Copy(h)
		var lu mat.LU
		lu.Factorize(dense)
		if err := lu.SolveVecTo(&dx, false, b); err != nil {
			return errors.Wrap(err, "smoother: LU solve failed")
		}
	}

	for key, i := range idx {
		var delta se3.Tangent
		for c := 0; c < 6; c++ {
			delta[c] = dx.AtVec(6*i + c)
		}
		s.values[key] = se3.Retract(s.values[key], delta)
	}
	return nil
}

func (s *Smoother) factorIsActive(f factors.Factor) bool {
	for _, k := range f.Keys() {
		if _, ok := s.values[k]; !ok {
			return false
		}
	}
	return true
}

// linearize returns, for factor f, a per-key 6x6 whitened Jacobian block
// (columns are the key's tangent perturbation, rows are the whitened
// residual) computed by central finite differences, plus the whitened
// residual at the current linearization point.
func (s *Smoother) linearize(f factors.Factor) ([][6][6]float64, se3.Tangent) {
	keys := f.Keys()
	noise := f.Noise()
	r0 := noise.Whiten(f.Residual(s.values))

	jac := make([][6][6]float64, len(keys))
	for ki, k := range keys {
		base := s.values[k]
		for c := 0; c < 6; c++ {
			var plus, minus se3.Tangent
			plus[c] = jacobianEps
			minus[c] = -jacobianEps

			s.values[k] = se3.Retract(base, plus)
			rPlus := noise.Whiten(f.Residual(s.values))

			s.values[k] = se3.Retract(base, minus)
			rMinus := noise.Whiten(f.Residual(s.values))

			s.values[k] = base

			for rIdx := 0; rIdx < 6; rIdx++ {
				jac[ki][rIdx][c] = (rPlus[rIdx] - rMinus[rIdx]) / (2 * jacobianEps)
			}
		}
	}
	return jac, r0
}

// Estimate returns a copy of the current values for every variable.
func (s *Smoother) Estimate() factors.Values {
	out := make(factors.Values, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// MarginalCovariance approximates the 6x6 marginal covariance of a
// variable by inverting the full (damped) information matrix built from
// the current linearization and extracting that variable's diagonal
// block. This is adequate for the consistency gates that only
// need an order-of-magnitude uncertainty, not a production-grade
// incremental covariance recovery.
func (s *Smoother) MarginalCovariance(key factors.Key) (*mat.Dense, error) {
	order := s.orderedKeys()
	idx := -1
	for i, k := range order {
		if k == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("smoother: unknown key %d", key)
	}
	n := len(order)
	dim := 6 * n
	keyIdx := make(map[factors.Key]int, n)
	for i, k := range order {
		keyIdx[k] = i
	}

	h := mat.NewSymDense(dim, nil)
	for _, f := range s.graph {
		if !s.factorIsActive(f) {
			continue
		}
		jac, _ := s.linearize(f)
		keys := f.Keys()
		for bj, ka := range keys {
			rowsA := jac[bj]
			for bi, kb := range keys {
				rowsB := jac[bi]
				for ca := 0; ca < 6; ca++ {
					for cb := 0; cb < 6; cb++ {
						var sum float64
						for rIdx := 0; rIdx < 6; rIdx++ {
							sum += rowsA[rIdx][ca] * rowsB[rIdx][cb]
						}
						gi := 6*keyIdx[ka] + ca
						gj := 6*keyIdx[kb] + cb
						if gi > gj {
							continue
						}
						h.SetSym(gi, gj, h.At(gi, gj)+sum)
					}
				}
			}
		}
	}
	for i := 0; i < dim; i++ {
		h.SetSym(i, i, h.At(i, i)+marginalDamp)
	}

	var inv mat.Dense
	if err := inv.Inverse(h); err != nil {
		return nil, errors.Wrap(err, "smoother: information matrix not invertible")
	}
	block := mat.NewDense(6, 6, nil)
	for r := 0; r < 6; r++ {
		for c := 0; c < 6; c++ {
			block.Set(r, c, inv.At(6*idx+r, 6*idx+c))
		}
	}
	return block, nil
}
