package router

import "oms/internal/schema"

// smoothSchedule expands weights into the interleaved sequence produced by
// smooth weighted round-robin: with weights 5,1,1 it yields a a b a c a a
// instead of a a a a a b c. Weights are reduced by their gcd first.
func smoothSchedule(venues []schema.Venue) []int {
	if len(venues) == 0 {
		return nil
	}
	g := 0
	for _, v := range venues {
		g = gcd(g, v.Weight)
	}
	weights := make([]int, len(venues))
	total := 0
	for i, v := range venues {
		weights[i] = v.Weight / g
		total += weights[i]
	}

	current := make([]int, len(venues))
	out := make([]int, 0, total)
	for range total {
		best := 0
		for i := range current {
			current[i] += weights[i]
			if current[i] > current[best] {
				best = i
			}
		}
		current[best] -= total
		out = append(out, best)
	}
	return out
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
