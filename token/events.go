package token

// EventKind names a lifecycle transition reported through Config.OnEvent.
type EventKind string

const (
	EventReuseDetected  EventKind = "refresh_reuse_detected"
	EventFamilyRevoked  EventKind = "family_revoked"
	EventTokenRevoked   EventKind = "token_revoked"
	EventSubjectRevoked EventKind = "subject_revoked"
	EventAPIKeyIssued   EventKind = "api_key_issued"
	EventAPIKeyRevoked  EventKind = "api_key_revoked"
)

// Event describes one lifecycle transition. It never carries token material.
type Event struct {
	Kind      EventKind
	SubjectID string
	FamilyID  string
	TokenID   string
	Reason    string
}

func (m *Manager) emit(e Event) {
	if m.onEvent != nil {
		m.onEvent(e)
	}
}
