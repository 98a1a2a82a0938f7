package stb

import "math"

// forbidden marks a detection/track pair the gate rejected.
const forbidden = 1e18

// assign solves the rectangular detection-to-track assignment with the
// Kuhn-Munkres method using row and column potentials. cost[i][j] is the
// cost of giving detection i to track j. The result maps each detection to
// a track index or -1. Pairs at or above forbidden are never returned.
func assign(cost [][]float64) []int {
	rows := len(cost)
	if rows == 0 {
		return nil
	}
	cols := len(cost[0])
	out := make([]int, rows)
	for i := range out {
		out[i] = -1
	}
	if cols == 0 {
		return out
	}

	dim := max(rows, cols)
	at := func(i, j int) float64 {
		if i < rows && j < cols {
			return cost[i][j]
		}
		return forbidden
	}

	// 1-indexed; column 0 is the virtual start of each augmenting path.
	const inf = math.MaxFloat64 / 2
	u := make([]float64, dim+1)
	v := make([]float64, dim+1)
	owner := make([]int, dim+1) // owner[j] is the row holding column j
	prev := make([]int, dim+1)
	slack := make([]float64, dim+1)
	seen := make([]bool, dim+1)

	for row := 1; row <= dim; row++ {
		owner[0] = row
		col := 0
		for j := range slack {
			slack[j] = inf
			seen[j] = false
		}

		for owner[col] != 0 {
			seen[col] = true
			r := owner[col]
			delta, next := inf, -1
			for j := 1; j <= dim; j++ {
				if seen[j] {
					continue
				}
				if c := at(r-1, j-1) - u[r] - v[j]; c < slack[j] {
					slack[j] = c
					prev[j] = col
				}
				if slack[j] < delta {
					delta, next = slack[j], j
				}
			}
			if next < 0 {
				break
			}
			for j := 0; j <= dim; j++ {
				if seen[j] {
					u[owner[j]] += delta
					v[j] -= delta
				} else {
					slack[j] -= delta
				}
			}
			col = next
		}

		for col != 0 {
			p := prev[col]
			owner[col] = owner[p]
			col = p
		}
	}

	for j := 1; j <= dim; j++ {
		i, c := owner[j]-1, j-1
		if i < 0 || i >= rows || c >= cols || cost[i][c] >= forbidden {
			continue
		}
		out[i] = c
	}
	return out
}
