package models

// SyncableEntity is implemented by every model that travels between terminals.
type SyncableEntity interface {
	GetEntityID() string
	GetEntityType() string
}
