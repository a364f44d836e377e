package units

import "sort"

// Selection is the outcome of a FEFO pick. A shortfall is reported, never
// raised as an error; the caller decides whether a partial pick is acceptable.
type Selection struct {
	Units     []Unit
	Shortfall int
}

// FullyCovered reports whether the requested quantity was satisfied.
func (s Selection) FullyCovered() bool {
	return s.Shortfall == 0
}

// SortFEFO orders units first-expired-first-out: dated units ascending by
// expiry, then undated units ascending by arrival, ties broken by unit id
// for determinism. Undated units sort after every dated one.
func SortFEFO(list []Unit) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		switch {
		case a.ExpiresAt != nil && b.ExpiresAt != nil:
			if !a.ExpiresAt.Equal(*b.ExpiresAt) {
				return a.ExpiresAt.Before(*b.ExpiresAt)
			}
		case a.ExpiresAt != nil:
			return true
		case b.ExpiresAt != nil:
			return false
		default:
			if !a.ArrivedAt.Equal(b.ArrivedAt) {
				return a.ArrivedAt.Before(b.ArrivedAt)
			}
		}
		return a.ID.String() < b.ID.String()
	})
}

// Pick sorts candidates FEFO and takes up to qty of them.
func Pick(candidates []Unit, qty int) Selection {
	if qty <= 0 {
		return Selection{}
	}
	pool := make([]Unit, len(candidates))
	copy(pool, candidates)
	SortFEFO(pool)
	if len(pool) > qty {
		pool = pool[:qty]
	}
	return Selection{Units: pool, Shortfall: qty - len(pool)}
}
