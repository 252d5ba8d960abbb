/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package core

// gcd computes the greatest common divisor (Euclid).
func gcd(a, b int) int {
	for a != 0 {
		a, b = b%a, a
	}
	return b
}

// approximateKnapsack marks a greedy selection of send entries fitting
// into available bytes. It relies on the buffer being sorted by
// priority/length ratio. Used when the CPU is too busy for the exact
// solver. Returns the achieved priority.
func approximateKnapsack(entries []*SendEntry, available int) uint64 {
	left := available
	var max uint64
	for _, se := range entries {
		if int(se.length) <= left {
			se.selected = true
			left -= int(se.length)
			max += uint64(se.priority)
		} else {
			se.selected = false
		}
	}
	return max
}

// solveKnapsack solves the 0/1 knapsack exactly with dynamic programming,
// marking the selected entries. Weights are message lengths, values are
// priorities, capacity is the available bytes. The table is shrunk by the
// GCD of all lengths and the capacity. Ties prefer the larger accumulated
// length. Returns the achieved priority.
func solveKnapsack(entries []*SendEntry, available int) uint64 {
	count := len(entries)

	// fast path: everything fits
	total := 0
	for _, se := range entries {
		total += int(se.length)
	}
	if total <= available {
		var max uint64
		for _, se := range entries {
			se.selected = true
			max += uint64(se.priority)
		}
		return max
	}

	divisor := available
	for _, se := range entries {
		if se.length > 0 {
			divisor = gcd(divisor, int(se.length))
		}
	}
	capacity := available / divisor
	efflen := make([]int, count)
	for i, se := range entries {
		efflen[i] = int(se.length) / divisor
	}

	// v[i][j] is the best value of any subset of the first i entries
	// fitting into weight j; -1 marks unreachable weights.
	v := make([]int64, (count+1)*(capacity+1))
	at := func(i, j int) int { return i + j*(count+1) }
	for j := 1; j <= capacity; j++ {
		v[at(0, j)] = -1
	}
	for i := 1; i <= count; i++ {
		for j := 0; j <= capacity; j++ {
			leave := v[at(i-1, j)]
			if j >= efflen[i-1] {
				if take := v[at(i-1, j-efflen[i-1])]; take >= 0 {
					take += int64(entries[i-1].priority)
					if take > leave {
						v[at(i, j)] = take
						continue
					}
				}
			}
			v[at(i, j)] = leave
		}
	}

	// best value; on ties prefer the heavier slot
	var max int64
	best := -1
	for j := 0; j <= capacity; j++ {
		if v[at(count, j)] >= max {
			max = v[at(count, j)]
			best = j
		}
	}

	// reconstruct the selection
	for _, se := range entries {
		se.selected = false
	}
	j := best
	for i := count; i > 0; i-- {
		if j >= efflen[i-1] {
			if prev := v[at(i-1, j-efflen[i-1])]; prev >= 0 &&
				prev+int64(entries[i-1].priority) == v[at(i, j)] {
				j -= efflen[i-1]
				entries[i-1].selected = true
			}
		}
	}
	return uint64(max)
}
