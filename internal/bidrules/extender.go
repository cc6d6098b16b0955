package bidrules

import "time"

// ExtendDeadline pushes endsAt out by SnipeExtension when the bid at now
// arrives with SnipeThreshold or less remaining. A deadline that has already
// passed is returned unchanged.
func (p Policy) ExtendDeadline(endsAt, now time.Time) time.Time {
	remaining := endsAt.Sub(now)
	if remaining > 0 && remaining <= p.SnipeThreshold {
		return endsAt.Add(p.SnipeExtension)
	}
	return endsAt
}
