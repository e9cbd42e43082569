package icp

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// normalEquations accumulates the point-to-plane least squares system for one worker group.
// Only the upper triangle of JᵀJ is kept, row major.
type normalEquations struct {
	jtj   [21]float64
	jtr   [6]float64
	sumSq float64
	count int
}

// add accumulates the residual n·(p - q) with Jacobian [p × n, n].
func (ne *normalEquations) add(p, q, n r3.Vector) {
	r := n.Dot(p.Sub(q))
	pxn := p.Cross(n)
	j := [6]float64{pxn.X, pxn.Y, pxn.Z, n.X, n.Y, n.Z}
	idx := 0
	for row := 0; row < 6; row++ {
		for col := row; col < 6; col++ {
			ne.jtj[idx] += j[row] * j[col]
			idx++
		}
		ne.jtr[row] += j[row] * r
	}
	ne.sumSq += r * r
	ne.count++
}

func (ne *normalEquations) merge(other *normalEquations) {
	for i := range ne.jtj {
		ne.jtj[i] += other.jtj[i]
	}
	for i := range ne.jtr {
		ne.jtr[i] += other.jtr[i]
	}
	ne.sumSq += other.sumSq
	ne.count += other.count
}

// system returns JᵀJ and -Jᵀr, the left and right sides of the step equations.
func (ne *normalEquations) system() (*mat.SymDense, *mat.VecDense) {
	a := mat.NewSymDense(6, nil)
	idx := 0
	for row := 0; row < 6; row++ {
		for col := row; col < 6; col++ {
			a.SetSym(row, col, ne.jtj[idx])
			idx++
		}
	}
	b := mat.NewVecDense(6, nil)
	for i, v := range ne.jtr {
		b.SetVec(i, -v)
	}
	return a, b
}
