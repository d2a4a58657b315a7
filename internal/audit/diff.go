package audit

import (
	"sort"
	"time"
)

// Aspect classifies which part of a transaction a change belongs to.
type Aspect string

const (
	AspectHeader Aspect = "header"
	AspectLine   Aspect = "line"
	AspectMatch  Aspect = "match"
)

// FieldChange holds the display values of one field either side of a
// mutation.
type FieldChange struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// Meta carries the audit metadata attached to every change.
type Meta struct {
	AuditID  string    `json:"AUDIT_id"`
	Action   Action    `json:"AUDIT_action"`
	User     string    `json:"AUDIT_user"`
	Date     time.Time `json:"AUDIT_date"`
	ObjectPK string    `json:"object_pk"`
}

// Change is one entry in a rendered audit trail: a field-level diff plus
// metadata, tagged with the aspect it belongs to.
type Change struct {
	Aspect Aspect                 `json:"aspect,omitempty"`
	Meta   Meta                   `json:"meta"`
	Fields map[string]FieldChange `json:"fields"`
}

// DiffSnapshots computes the field-level diff between two adjacent
// snapshots of the same entity.
//
// A nil prev means curr is the creation snapshot: every eligible field
// appears with an empty old value. A delete snapshot mirrors creation,
// with the last known values in old. Otherwise only fields whose values
// differ are emitted, and nil is returned when nothing eligible changed -
// snapshot stores may record no-op updates and these must never reach a
// rendered trail.
//
// When fields is non-nil it is a whitelist: only those names are eligible,
// both for inclusion and for the zero-change check.
func DiffSnapshots(prev *Snapshot, curr Snapshot, fields []string) *Change {
	change := &Change{
		Meta: Meta{
			AuditID:  curr.ID,
			Action:   curr.Action(),
			User:     curr.User,
			Date:     curr.Date,
			ObjectPK: curr.ObjectPK,
		},
		Fields: map[string]FieldChange{},
	}

	if prev == nil {
		for _, name := range eligibleFields(nil, curr, fields) {
			change.Fields[name] = FieldChange{Old: "", New: curr.Fields[name]}
		}
		return change
	}

	if curr.HistoryType == HistoryDelete {
		for _, name := range eligibleFields(nil, curr, fields) {
			change.Fields[name] = FieldChange{Old: curr.Fields[name], New: ""}
		}
		return change
	}

	for _, name := range eligibleFields(prev, curr, fields) {
		oldVal := prev.Fields[name]
		newVal := curr.Fields[name]
		if oldVal != newVal {
			change.Fields[name] = FieldChange{Old: oldVal, New: newVal}
		}
	}
	if len(change.Fields) == 0 {
		return nil
	}
	return change
}

// eligibleFields returns the sorted field names considered by a diff: the
// whitelist when supplied, otherwise the union of the snapshots' declared
// fields.
func eligibleFields(prev *Snapshot, curr Snapshot, fields []string) []string {
	if fields != nil {
		out := make([]string, len(fields))
		copy(out, fields)
		sort.Strings(out)
		return out
	}
	seen := map[string]bool{}
	for name := range curr.Fields {
		seen[name] = true
	}
	if prev != nil {
		for name := range prev.Fields {
			seen[name] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DiffHistory runs DiffSnapshots pairwise over one entity's oldest-first
// snapshot sequence, with an implicit leading nil, dropping no-op entries.
func DiffHistory(snaps []Snapshot, fields []string) []Change {
	ordered := make([]Snapshot, len(snaps))
	copy(ordered, snaps)
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].Date.Equal(ordered[j].Date) {
			return ordered[i].Date.Before(ordered[j].Date)
		}
		return ordered[i].ID < ordered[j].ID
	})

	var changes []Change
	var prev *Snapshot
	for i := range ordered {
		if c := DiffSnapshots(prev, ordered[i], fields); c != nil {
			changes = append(changes, *c)
		}
		prev = &ordered[i]
	}
	return changes
}
