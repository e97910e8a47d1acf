package store

import "errors"

// ErrNotFound is returned when a requested record does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Facility configuration records. Their presence is what separates
	// "configured but disconnected" from "never configured" on the
	// status surface.
	SaveFacility(f *Facility) error
	GetFacility(id string) (*Facility, error)
	DeleteFacility(id string) error
	ListFacilities() ([]*Facility, error)

	// Audit trail for control-plane actions.
	AppendAudit(e *AuditEntry) error
	ListAudit(limit int) ([]*AuditEntry, error)

	// Trust anchor (operations public key). Only the public half is
	// ever persisted.
	PutTrustAnchor(a *TrustAnchor) error
	GetTrustAnchor() (*TrustAnchor, error)

	// Close the store
	Close() error
}
