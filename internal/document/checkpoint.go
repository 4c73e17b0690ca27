package document

// Checkpoint marks pull progress within a collection. The replication order is
// (updated_at, id) ascending; documents sharing a timestamp are disambiguated
// by id so no page boundary can skip or duplicate them.
type Checkpoint struct {
	UpdatedAtMilli int64  `json:"updated_at"`
	ID             string `json:"id"`
}

// ZeroCheckpoint returns the cursor positioned before all history.
func ZeroCheckpoint() Checkpoint {
	return Checkpoint{}
}

// IsZero reports whether the checkpoint precedes all documents.
func (c Checkpoint) IsZero() bool {
	return c.UpdatedAtMilli == 0 && c.ID == ""
}

// Covers reports whether the document sorts at or before the checkpoint, i.e.
// a pull positioned at this checkpoint would not return it.
func (c Checkpoint) Covers(doc Document) bool {
	if doc.UpdatedAtMilli != c.UpdatedAtMilli {
		return doc.UpdatedAtMilli < c.UpdatedAtMilli
	}
	return doc.ID <= c.ID
}

// CheckpointFor returns the cursor positioned exactly at the document.
func CheckpointFor(doc Document) Checkpoint {
	return Checkpoint{UpdatedAtMilli: doc.UpdatedAtMilli, ID: doc.ID}
}

// Before reports whether c sorts strictly before other in replication order.
func (c Checkpoint) Before(other Checkpoint) bool {
	if c.UpdatedAtMilli != other.UpdatedAtMilli {
		return c.UpdatedAtMilli < other.UpdatedAtMilli
	}
	return c.ID < other.ID
}
