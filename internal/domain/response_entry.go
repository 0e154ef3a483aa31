package domain

import "time"

// ResponseOrigin distinguishes notes written internally from external replies.
type ResponseOrigin string

const (
	ResponseOriginInternal ResponseOrigin = "internal"
	ResponseOriginExternal ResponseOrigin = "external"
)

// Attachment is a reference to a file held by the mail provider or storage. Bytes are never stored here.
type Attachment struct {
	FileName   string `json:"file_name"`
	MimeType   string `json:"mime_type"`
	SizeBytes  int64  `json:"size_bytes"`
	StorageRef string `json:"storage_ref,omitempty"`
}

// ResponseEntry is one message in the conversation of a record.
type ResponseEntry struct {
	ID                string
	RFIID             string
	Origin            ResponseOrigin
	ExternalMessageID *string
	AuthorEmail       string
	AuthorName        string
	Body              string
	Attachments       []Attachment
	CreatedAt         time.Time
}

// MessageClaimKind records which side claimed an external message id.
type MessageClaimKind string

const (
	MessageClaimRoot     MessageClaimKind = "root"
	MessageClaimFollowUp MessageClaimKind = "follow_up"
	MessageClaimResponse MessageClaimKind = "response"
)
