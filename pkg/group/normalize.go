package group

import "math"

// Normalize rescales the weights of the active peers in place so that they
// sum to one. Excluded peers are left untouched and do not contribute to the
// total.
//
// If the active weights add up to zero or less (or to something that is not
// finite) the active peers are reset to a uniform weight instead. Normalize
// returns false in that case.
func Normalize(peers []Peer) bool {
	active := make([]*Peer, 0, len(peers))
	for i := range peers {
		if peers[i].Status == Active {
			active = append(active, &peers[i])
		}
	}
	return normalizeWeights(active)
}

// WeightSum returns the sum of the weights of the active peers.
func WeightSum(peers []Peer) float64 {
	var total float64
	for _, p := range peers {
		if p.Status == Active {
			total += p.Weight
		}
	}
	return total
}

func normalizeWeights(active []*Peer) bool {
	if len(active) == 0 {
		return true
	}
	var total float64
	for _, p := range active {
		total += p.Weight
	}
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		uniform := 1 / float64(len(active))
		for _, p := range active {
			p.Weight = uniform
		}
		return false
	}
	for _, p := range active {
		p.Weight /= total
	}
	return true
}
