package frame

import (
	"math"

	"github.com/golang/geo/r3"
)

// Invalid is the sentinel vertex and normal. Any vector with a non-finite component is invalid.
var Invalid = r3.Vector{X: math.Inf(1)}

// IsValid reports whether v is a usable vertex or normal.
func IsValid(v r3.Vector) bool {
	return !math.IsInf(v.X, 0) && !math.IsNaN(v.X) &&
		!math.IsInf(v.Y, 0) && !math.IsNaN(v.Y) &&
		!math.IsInf(v.Z, 0) && !math.IsNaN(v.Z)
}

// Maps is per-pixel camera-space geometry, row-major: a vertex and a normal per pixel, either
// possibly Invalid. Live frames and model raycasts both produce it.
type Maps struct {
	Width    int
	Height   int
	Vertices []r3.Vector
	Normals  []r3.Vector
}

// NewMaps returns all-invalid maps of the given size.
func NewMaps(width, height int) *Maps {
	m := &Maps{
		Width:    width,
		Height:   height,
		Vertices: make([]r3.Vector, width*height),
		Normals:  make([]r3.Vector, width*height),
	}
	m.Invalidate()
	return m
}

// Index returns the offset of pixel (x, y).
func (m *Maps) Index(x, y int) int {
	return y*m.Width + x
}

// In reports whether (x, y) is inside the maps.
func (m *Maps) In(x, y int) bool {
	return x >= 0 && y >= 0 && x < m.Width && y < m.Height
}

// Vertex returns the vertex at (x, y).
func (m *Maps) Vertex(x, y int) r3.Vector {
	return m.Vertices[m.Index(x, y)]
}

// Normal returns the normal at (x, y).
func (m *Maps) Normal(x, y int) r3.Vector {
	return m.Normals[m.Index(x, y)]
}

// Invalidate marks every pixel invalid.
func (m *Maps) Invalidate() {
	for i := range m.Vertices {
		m.Vertices[i] = Invalid
	}
	for i := range m.Normals {
		m.Normals[i] = Invalid
	}
}

// ValidCount returns how many pixels have both a valid vertex and a valid normal.
func (m *Maps) ValidCount() int {
	n := 0
	for i, v := range m.Vertices {
		if IsValid(v) && IsValid(m.Normals[i]) {
			n++
		}
	}
	return n
}

// CopyTo copies m into dst, growing dst's slices as needed.
func (m *Maps) CopyTo(dst *Maps) {
	n := len(m.Vertices)
	if cap(dst.Vertices) < n {
		dst.Vertices = make([]r3.Vector, n)
	}
	if cap(dst.Normals) < n {
		dst.Normals = make([]r3.Vector, n)
	}
	dst.Width, dst.Height = m.Width, m.Height
	dst.Vertices = dst.Vertices[:n]
	dst.Normals = dst.Normals[:n]
	copy(dst.Vertices, m.Vertices)
	copy(dst.Normals, m.Normals)
}
