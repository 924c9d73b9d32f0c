package store

import (
	"errors"
	"time"

	"planarian/api/internal/cave"
	"planarian/api/internal/changelog"
)

var (
	// ErrUnknownEntrance means a graph names an entrance that does not belong
	// to the cave being persisted.
	ErrUnknownEntrance = errors.New("entrance does not belong to cave")
	// ErrUnknownTag means a tag ID does not exist for the collection's kind.
	ErrUnknownTag = errors.New("unknown tag")
	// ErrUnknownReference means the cave's county or state row does not exist.
	ErrUnknownReference = errors.New("unknown county or state")
	// ErrNotPending means a change request already reached a terminal status.
	ErrNotPending = errors.New("change request is not pending")
)

type ChangeRequestStatus string

const (
	StatusPending  ChangeRequestStatus = "Pending"
	StatusApproved ChangeRequestStatus = "Approved"
	StatusRejected ChangeRequestStatus = "Rejected"
)

type ChangeRequestType string

const (
	TypeSubmission ChangeRequestType = "Submission"
	TypeDeletion   ChangeRequestType = "Deletion"
)

type User struct {
	ID          string
	AccountID   string
	DisplayName string
	Email       string
}

type ChangeRequest struct {
	ID                string
	AccountID         string
	CaveID            *string
	Type              ChangeRequestType
	Graph             cave.Graph
	Status            ChangeRequestStatus
	SubmittedByUserID string
	SubmittedByName   string
	SubmittedOn       time.Time
	ReviewedByUserID  *string
	ReviewedByName    string
	ReviewedOn        *time.Time
	Notes             *string
	UpdatedOn         time.Time
}

// Review is the terminal transition written onto a pending request.
type Review struct {
	RequestID        string
	CaveID           string
	Status           ChangeRequestStatus
	ReviewedByUserID string
	ReviewedOn       time.Time
	Notes            *string
}

// ResolvedTag maps a free-text people name to the tag row that now holds it.
type ResolvedTag struct {
	Kind    cave.TagKind
	Literal string
	ID      string
	Name    string
	Created bool
}

// PersistResult carries the IDs generated while persisting a graph.
type PersistResult struct {
	CaveID string
	// EntranceIDs is parallel to the persisted graph's Entrances.
	EntranceIDs []string
	Tags        []ResolvedTag
}

// RecordedName is the display name the audit log last wrote for a
// referenced entity.
type RecordedName struct {
	Kind cave.LookupKind
	ID   string
	Name string
}

// HistoryRecord is one reviewed request with the audit rows it produced, in
// append order.
type HistoryRecord struct {
	Request ChangeRequest
	Entries []changelog.Entry
}

// CaveSummary is the searchable projection of a cave.
type CaveSummary struct {
	ID             string
	AccountID      string
	Name           string
	AlternateNames []string
	CountyID       string
	CountyName     string
	StateID        string
	StateName      string
	Narrative      string
	UpdatedAt      time.Time
}
