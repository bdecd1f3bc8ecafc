package spdt

// prefixSums returns p with p[i] = x[0] + ... + x[i-1], accumulated in
// float64.
func prefixSums(x []float32) []float64 {
	p := make([]float64, len(x)+1)
	for i, v := range x {
		p[i+1] = p[i] + float64(v)
	}
	return p
}

// boxcar writes into dst the sums of every run of w consecutive samples,
// dst[t] = x[t] + ... + x[t+w-1], and returns dst[:len(x)-w+1]. It returns
// nil when w exceeds the series length.
func boxcar(prefix []float64, w int, dst []float64) []float64 {
	n := len(prefix) - 1
	if w <= 0 || w > n {
		return nil
	}
	m := n - w + 1
	if cap(dst) < m {
		dst = make([]float64, m)
	}
	dst = dst[:m]
	for t := range dst {
		dst[t] = prefix[t+w] - prefix[t]
	}
	return dst
}
