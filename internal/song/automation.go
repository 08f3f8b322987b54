package song

import "sort"

type Point struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

// AutomationPath is a piecewise linear curve over song position measured in
// columns (column index plus fraction into the column).
type AutomationPath struct {
	Min, Max, Default float64
	Points            []Point
}

func NewAutomationPath(min, max, def float64) *AutomationPath {
	return &AutomationPath{Min: min, Max: max, Default: def}
}

// Add inserts a point, keeping the curve sorted by X. Y is clamped to [Min, Max].
func (a *AutomationPath) Add(x, y float64) {
	y = min(max(y, a.Min), a.Max)
	i := sort.Search(len(a.Points), func(i int) bool { return a.Points[i].X >= x })
	if i < len(a.Points) && a.Points[i].X == x {
		a.Points[i].Y = y
		return
	}
	a.Points = append(a.Points, Point{})
	copy(a.Points[i+1:], a.Points[i:])
	a.Points[i] = Point{X: x, Y: y}
}

// Value evaluates the curve at x. A nil path evaluates to 1.
func (a *AutomationPath) Value(x float64) float64 {
	if a == nil {
		return 1
	}
	n := len(a.Points)
	if n == 0 {
		return a.Default
	}
	if x <= a.Points[0].X {
		return a.Points[0].Y
	}
	if x >= a.Points[n-1].X {
		return a.Points[n-1].Y
	}
	i := sort.Search(n, func(i int) bool { return a.Points[i].X > x })
	p0, p1 := a.Points[i-1], a.Points[i]
	return p0.Y + (p1.Y-p0.Y)*(x-p0.X)/(p1.X-p0.X)
}
