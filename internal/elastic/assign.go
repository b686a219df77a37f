package elastic

// Assign is the pure, stable slot-assignment function (spec.md §4.2). It
// emits at most maxNP slots and at least minNP, else returns
// ErrInsufficientCapacity.
//
// Packing order: hosts are iterated in input order; each host emits
// local_rank 0..slots-1 (capped by the remaining maxNP budget). Global rank
// is emission order. cross_rank equals local_rank; cross_size is the
// maximum local_size actually emitted across hosts.
//
// Stability (spec.md §8 property 3, §9 "Assigner purity"): Assign is a free
// function with no hidden state, so removing a host from hosts leaves the
// relative order of the remaining slots unchanged, and appending a host only
// appends slots -- callers get this property for free by calling Assign
// again with the new host list.
func Assign(hosts []HostInfo, minNP, maxNP uint) ([]SlotInfo, error) {
	emitted := make([]uint, len(hosts))
	var rank uint
	for i, h := range hosts {
		if rank >= maxNP {
			break
		}
		take := h.Slots
		if remaining := maxNP - rank; take > remaining {
			take = remaining
		}
		emitted[i] = take
		rank += take
	}

	var crossSize uint
	for _, n := range emitted {
		if n > crossSize {
			crossSize = n
		}
	}

	var slots []SlotInfo
	rank = 0
	for i, h := range hosts {
		for localRank := uint(0); localRank < emitted[i]; localRank++ {
			slots = append(slots, SlotInfo{
				Hostname:  h.Hostname,
				Rank:      rank,
				LocalRank: localRank,
				CrossRank: localRank,
				LocalSize: emitted[i],
				CrossSize: crossSize,
			})
			rank++
		}
	}

	worldSize := uint(len(slots))
	if worldSize < minNP {
		return nil, ErrInsufficientCapacity
	}
	for i := range slots {
		slots[i].Size = worldSize
	}
	return slots, nil
}
