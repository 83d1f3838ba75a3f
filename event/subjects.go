package event

import "strings"

// Event types.
const (
	TypeUsageRecorded       = "billing.usage.recorded"
	TypeInvitationSent      = "invitation.sent"
	TypeInvitationAccepted  = "invitation.accepted"
	TypeInvitationExpired   = "invitation.expired"
	TypeInvitationCancelled = "invitation.cancelled"
	TypeDeviceRegistered    = "device.registered"
	TypeDeviceDeleted       = "device.deleted"
	TypeMediaFileUploaded   = "media.file.uploaded"
)

// Subject filters for subscribers.
const (
	SubjectUsageRecordedAll = TypeUsageRecorded + ".>"
	SubjectInvitationAll    = "invitation.>"
	SubjectDeviceAll        = "device.>"
	SubjectMediaAll         = "media.>"
)

// StreamSubjects lists the subjects captured by the events stream.
func StreamSubjects() []string {
	return []string{
		SubjectUsageRecordedAll,
		SubjectInvitationAll,
		SubjectDeviceAll,
		SubjectMediaAll,
	}
}

// UsageSubject returns the subject a usage event for productID is published
// to: billing.usage.recorded.{product_id}.
func UsageSubject(productID string) string {
	return TypeUsageRecorded + "." + SubjectToken(productID)
}

// SubjectToken makes s usable as a single NATS subject token. Token
// separators, wildcards and whitespace are replaced with '_'.
func SubjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
}

// TypeForSubject infers the event type of a message published without an
// event_type header. Usage subjects carry the product as their last token;
// every other event is published to a subject equal to its type.
func TypeForSubject(subject string) string {
	if strings.HasPrefix(subject, TypeUsageRecorded+".") {
		return TypeUsageRecorded
	}
	return subject
}
