package collab

import (
	"time"
)

type AccessType string

const (
	AccessTypePrivate AccessType = "private"
	AccessTypePublic  AccessType = "public"
	AccessTypeShared  AccessType = "shared"
)

const DefaultLanguage = "plaintext"

// the client holds a cached, possibly stale copy.
// the backend owns the record; the next fetch or event supersedes it.
type Codespace struct {
	Id            Id         `json:"id"`
	Slug          string     `json:"slug"`
	OwnerId       Id         `json:"owner_id"`
	OwnerUsername string     `json:"owner_username,omitempty"`
	AccessType    AccessType `json:"access_type"`
	Passkey       string     `json:"passkey,omitempty"`
	Content       string     `json:"content"`
	Language      string     `json:"language"`
	IsDefault     bool       `json:"is_default"`
	IsArchived    bool       `json:"is_archived"`
	CreatedAt     time.Time  `json:"created_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at,omitempty"`
}

type CodespaceSettings struct {
	NewSlug    string     `json:"newSlug,omitempty"`
	AccessType AccessType `json:"access_type,omitempty"`
	Passkey    string     `json:"passkey,omitempty"`
	IsDefault  *bool      `json:"is_default,omitempty"`
	IsArchived *bool      `json:"is_archived,omitempty"`
}

type User struct {
	Id       Id     `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// whole-line coordinates in the editor buffer, 1-indexed
type Selection struct {
	StartLineNumber int `json:"startLineNumber"`
	StartColumn     int `json:"startColumn"`
	EndLineNumber   int `json:"endLineNumber"`
	EndColumn       int `json:"endColumn"`
}

func (self Selection) IsEmpty() bool {
	return self.StartLineNumber == self.EndLineNumber && self.StartColumn == self.EndColumn
}
