package opt

import "math"

// ImproveOrder2Opt shortens an open path through geocoded stops by repeatedly
// reversing segments while that lowers the total distance. The first stop
// stays first so the sequence still begins where the street sort started it.
func ImproveOrder2Opt(stops []StopInput, iterations int) []StopInput {
	if iterations <= 0 {
		iterations = 1
	}
	best := append([]StopInput(nil), stops...)
	bestDist := pathDistance(best)
	n := len(best)
	for it := 0; it < iterations; it++ {
		improved := false
		for i := 1; i < n-1; i++ {
			for k := i + 1; k < n; k++ {
				cand := twoOptSwap(best, i, k)
				if d := pathDistance(cand); d+1e-3 < bestDist {
					best, bestDist = cand, d
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return best
}

func twoOptSwap(seq []StopInput, i, k int) []StopInput {
	out := make([]StopInput, len(seq))
	copy(out, seq[:i])
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = seq[j]
		pos++
	}
	copy(out[pos:], seq[k+1:])
	return out
}

func pathDistance(seq []StopInput) float64 {
	total := 0.0
	for i := 0; i+1 < len(seq); i++ {
		total += haversineMeters(seq[i].Lat, seq[i].Lng, seq[i+1].Lat, seq[i+1].Lng)
	}
	return total
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return R * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
