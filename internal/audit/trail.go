package audit

import "sort"

// Overrides maps a field name to the display transform applied to every
// snapshot's value before it reaches the diff engine. The transform is
// explicit configuration; nothing is resolved by probing the entity at
// runtime. Old and new values in a rendered diff are therefore always
// both in display form.
type Overrides map[string]func(string) string

// TrailConfig declares, per aspect, the audited field names and the
// display overrides for one transaction's audit trail.
type TrailConfig struct {
	HeaderFields []string
	LineFields   []string
	MatchFields  []string

	HeaderOverrides Overrides
	LineOverrides   Overrides
	MatchOverrides  Overrides
}

// aspectRank breaks timestamp ties deterministically: header before line
// before match, then snapshot id.
func aspectRank(a Aspect) int {
	switch a {
	case AspectHeader:
		return 0
	case AspectLine:
		return 1
	default:
		return 2
	}
}

// BuildAuditTrail reconstructs the full chronological change history of a
// transaction from the raw snapshots of its header, of every line that
// ever existed under it, and of every match row involving it.
//
// Each line's and each match's snapshot sequence is diffed independently -
// one entity's history is never interleaved with another's before
// diffing - and the tagged changes are then merged with a single
// comparator: history date ascending, ties broken by aspect
// (header, line, match) and then snapshot id.
func BuildAuditTrail(headerSnaps []Snapshot, lineSnaps map[int][]Snapshot, matchSnaps map[int][]Snapshot, cfg TrailConfig) []Change {
	var all []Change

	for _, c := range DiffHistory(applyOverrides(headerSnaps, cfg.HeaderOverrides), cfg.HeaderFields) {
		c.Aspect = AspectHeader
		all = append(all, c)
	}
	for _, group := range lineSnaps {
		for _, c := range DiffHistory(applyOverrides(group, cfg.LineOverrides), cfg.LineFields) {
			c.Aspect = AspectLine
			all = append(all, c)
		}
	}
	for _, group := range matchSnaps {
		for _, c := range DiffHistory(applyOverrides(group, cfg.MatchOverrides), cfg.MatchFields) {
			c.Aspect = AspectMatch
			all = append(all, c)
		}
	}

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.Meta.Date.Equal(b.Meta.Date) {
			return a.Meta.Date.Before(b.Meta.Date)
		}
		if ra, rb := aspectRank(a.Aspect), aspectRank(b.Aspect); ra != rb {
			return ra < rb
		}
		return a.Meta.AuditID < b.Meta.AuditID
	})
	return all
}

// applyOverrides returns copies of the snapshots with every override
// applied, so raw and display-transformed values never mix within one
// diff.
func applyOverrides(snaps []Snapshot, overrides Overrides) []Snapshot {
	if len(overrides) == 0 {
		return snaps
	}
	out := make([]Snapshot, len(snaps))
	for i, s := range snaps {
		c := s.clone()
		for name, transform := range overrides {
			if v, ok := c.Fields[name]; ok {
				c.Fields[name] = transform(v)
			}
		}
		out[i] = c
	}
	return out
}
