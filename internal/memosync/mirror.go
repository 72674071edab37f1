package memosync

import "context"

// Property names of a mirror page in the external workspace database.
const (
	PropertyText     = "Original Text"
	PropertySummary  = "AI Summary"
	PropertyOwner    = "Owner ID"
	PropertySavedAt  = "Saved At"
	PropertyRecordID = "Memo ID"
)

// MirrorPage is the content pushed to the external workspace for a record.
type MirrorPage struct {
	RecordID string
	OwnerID  string
	Text     string
	Summary  string
	SavedAt  Millis
}

func mirrorPageFromRecord(rec Record) MirrorPage {
	return MirrorPage{
		RecordID: rec.ID,
		OwnerID:  rec.OwnerID,
		Text:     rec.Text,
		Summary:  rec.Summary,
		SavedAt:  rec.CreatedAt,
	}
}

// Mirror writes to the external workspace. It is never read by the sync
// core before a write.
type Mirror interface {
	CreatePage(ctx context.Context, page MirrorPage) (string, error)
	UpdatePage(ctx context.Context, ref string, page MirrorPage) error
	UpdateSummary(ctx context.Context, ref, summary string) error
	ArchivePage(ctx context.Context, ref string) error
}

// NoopMirror accepts every write without contacting anything. CreatePage
// returns an empty reference, leaving records unpaired.
type NoopMirror struct{}

func (NoopMirror) CreatePage(context.Context, MirrorPage) (string, error) { return "", nil }
func (NoopMirror) UpdatePage(context.Context, string, MirrorPage) error    { return nil }
func (NoopMirror) UpdateSummary(context.Context, string, string) error      { return nil }
func (NoopMirror) ArchivePage(context.Context, string) error                { return nil }
