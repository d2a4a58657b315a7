package audit

import "time"

// HistoryType tags what kind of mutation a snapshot records.
type HistoryType string

const (
	HistoryCreate HistoryType = "+"
	HistoryUpdate HistoryType = "~"
	HistoryDelete HistoryType = "-"
)

// Action is the human-readable classification of a change.
type Action string

const (
	ActionCreate Action = "Create"
	ActionUpdate Action = "Update"
	ActionDelete Action = "Delete"
)

// Snapshot is one immutable record of an entity's field values at the
// moment of a create, update or delete. The snapshot store appends these;
// this package only ever reads them.
//
// Field values are display strings keyed by the entity's declared audited
// field names; an absent or nil source value is the empty string, never a
// literal "null". IDs are monotonic so equal timestamps still have a
// stable order.
type Snapshot struct {
	ID          string            `json:"history_id"`
	HistoryType HistoryType       `json:"history_type"`
	Date        time.Time         `json:"history_date"`
	User        string            `json:"history_user,omitempty"`
	ObjectPK    string            `json:"object_pk"`
	Fields      map[string]string `json:"fields"`
}

// Action maps the snapshot's history type to its display classification.
func (s Snapshot) Action() Action {
	switch s.HistoryType {
	case HistoryCreate:
		return ActionCreate
	case HistoryDelete:
		return ActionDelete
	default:
		return ActionUpdate
	}
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Fields = make(map[string]string, len(s.Fields))
	for k, v := range s.Fields {
		out.Fields[k] = v
	}
	return out
}
