package elastic

// assignmentSet groups slots by hostname, preserving local_rank order, the
// shape ElasticDriver installs as host_assignments (spec.md §3).
type assignmentSet map[string][]SlotInfo

func groupByHost(slots []SlotInfo) assignmentSet {
	out := make(assignmentSet)
	for _, s := range slots {
		out[s.Hostname] = append(out[s.Hostname], s)
	}
	return out
}

func participantKeys(slots []SlotInfo) []slotKey {
	keys := make([]slotKey, 0, len(slots))
	for _, s := range slots {
		keys = append(keys, keyOf(s.Hostname, s.LocalRank))
	}
	return keys
}

func activeKeySet(assignments assignmentSet) map[slotKey]struct{} {
	out := make(map[slotKey]struct{})
	for _, slots := range assignments {
		for _, s := range slots {
			out[keyOf(s.Hostname, s.LocalRank)] = struct{}{}
		}
	}
	return out
}

// newlyAssigned returns the slots in next whose (hostname, local_rank) was
// not present in the previously active set -- these are the ones
// ElasticDriver must spawn supervisors for (spec.md §4.4 step 6).
func newlyAssigned(prevActive map[slotKey]struct{}, next []SlotInfo) []SlotInfo {
	var out []SlotInfo
	for _, s := range next {
		if _, wasActive := prevActive[keyOf(s.Hostname, s.LocalRank)]; !wasActive {
			out = append(out, s)
		}
	}
	return out
}

// survivesStateBroadcast reports whether at least one hostname present in
// prev is still present in next (spec.md §4.4 step 3, §8 property 2).
func survivesStateBroadcast(prev assignmentSet, next []SlotInfo) bool {
	nextHosts := make(map[string]struct{}, len(next))
	for _, s := range next {
		nextHosts[s.Hostname] = struct{}{}
	}
	for host := range prev {
		if _, ok := nextHosts[host]; ok {
			return true
		}
	}
	return false
}

// slotsEqual reports whether two slot lists describe the same assignment,
// used for the stability optimization in notify_workers_host_changes
// (spec.md §4.4, scenario S5).
func slotsEqual(a, b []SlotInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
