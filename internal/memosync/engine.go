package memosync

// ExternalChange is an edit reported by the mirror for one record.
type ExternalChange struct {
	RecordID     string
	ExternalRef  string
	Text         string
	LastEditedAt Millis
}

type RejectReason string

const (
	RejectUnpaired         RejectReason = "unpaired"
	RejectForeignReference RejectReason = "foreign_reference"
	RejectStaleOrDuplicate RejectReason = "stale_or_duplicate"
	RejectNoOp             RejectReason = "no_op"
)

// RejectFutureTimestamp is reported before Decide runs, for external
// timestamps too far ahead of the local clock.
const RejectFutureTimestamp RejectReason = "future_timestamp"

// Decision is the outcome of Decide. When Apply is false, Reason says why.
type Decision struct {
	Apply           bool
	NewLastEditedAt Millis
	Reason          RejectReason
}

// Decide resolves an external change against the current record using
// last-writer-wins on the record watermark. It never reads a clock: an
// applied change always carries the external timestamp.
func Decide(rec Record, change ExternalChange) Decision {
	if !rec.Paired() {
		return Decision{Reason: RejectUnpaired}
	}
	if change.ExternalRef != "" && change.ExternalRef != rec.ExternalRef {
		return Decision{Reason: RejectForeignReference}
	}
	if change.LastEditedAt <= rec.LastEditedAt {
		return Decision{Reason: RejectStaleOrDuplicate}
	}
	if change.Text == rec.Text {
		return Decision{Reason: RejectNoOp}
	}
	return Decision{Apply: true, NewLastEditedAt: change.LastEditedAt}
}
