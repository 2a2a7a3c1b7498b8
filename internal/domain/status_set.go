package domain

// StatusSet is an ordered, duplicate-free collection of statuses. Order is
// insertion order, which keeps generated store queries deterministic.
type StatusSet struct {
	members []Status
	index   map[Status]struct{}
}

func NewStatusSet(statuses ...Status) StatusSet {
	set := StatusSet{index: make(map[Status]struct{}, len(statuses))}
	for _, status := range statuses {
		if _, ok := set.index[status]; ok {
			continue
		}
		set.index[status] = struct{}{}
		set.members = append(set.members, status)
	}
	return set
}

func (s StatusSet) Has(status Status) bool {
	_, ok := s.index[status]
	return ok
}

func (s StatusSet) Empty() bool { return len(s.members) == 0 }

func (s StatusSet) Len() int { return len(s.members) }

// Statuses returns the members in insertion order. The returned slice is a
// copy; mutating it does not affect the set.
func (s StatusSet) Statuses() []Status {
	out := make([]Status, len(s.members))
	copy(out, s.members)
	return out
}

func (s StatusSet) Union(other StatusSet) StatusSet {
	combined := make([]Status, 0, len(s.members)+len(other.members))
	combined = append(combined, s.members...)
	combined = append(combined, other.members...)
	return NewStatusSet(combined...)
}
