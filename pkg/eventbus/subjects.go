package eventbus

import "fmt"

const (
	// SubjectPrefix is the canonical prefix for record lifecycle events.
	SubjectPrefix = "civicpress.v1.lifecycle"
)

// Domain identifies record/saga lifecycle event domains.
type Domain string

const (
	DomainRecord Domain = "record"
	DomainSaga   Domain = "saga"
)

// Record lifecycle event types emitted by the saga step library.
const (
	EventRecordCreated   = "record.created"
	EventRecordUpdated   = "record.updated"
	EventRecordPublished = "record.published"
	EventRecordArchived  = "record.archived"
)

// RecordSubject returns the canonical record lifecycle subject, e.g.
// civicpress.v1.lifecycle.record.bylaw.record.published.
func RecordSubject(recordType, eventType string) string {
	return fmt.Sprintf("%s.%s.%s.%s", SubjectPrefix, DomainRecord, sanitizeSegment(recordType), sanitizeSegment(eventType))
}

// SagaSubject returns the canonical saga lifecycle subject for one saga
// type.
func SagaSubject(sagaType, eventType string) string {
	return fmt.Sprintf("%s.%s.%s.%s", SubjectPrefix, DomainSaga, sanitizeSegment(sagaType), sanitizeSegment(eventType))
}

// DomainWildcardSubject returns the canonical wildcard subject for a domain.
func DomainWildcardSubject(domain Domain) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, sanitizeSegment(string(domain)))
}

func sanitizeSegment(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
