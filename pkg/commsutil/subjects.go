package commsutil

import "strings"

// Default COMMS subjects.
const (
	SubjectCommand     = "orchestrator.command"
	SubjectQuery       = "orchestrator.query"
	SubjectSaga        = "orchestrator.saga"
	DefaultEventPrefix = "events"
)

// BuildEventSubject builds the subject an event type is published on.
// Spaces and wildcard characters in the type are replaced so the subject stays a single literal.
func BuildEventSubject(prefix, eventType string) string {
	return prefix + "." + sanitizeToken(eventType)
}

// BuildAllEventsSubject builds the wildcard subject matching every event under prefix.
func BuildAllEventsSubject(prefix string) string {
	return prefix + ".>"
}

func sanitizeToken(s string) string {
	return strings.NewReplacer(" ", "_", "*", "_", ">", "_").Replace(s)
}
