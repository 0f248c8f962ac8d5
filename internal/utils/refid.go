package utils

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewReference returns a globally unique reference string. 128 bits of
// entropy, so two terminals that have never spoken cannot collide.
func NewReference() string {
	return uuid.NewString()
}

// NewSaleID returns a sale reference. The timestamp prefix keeps ids roughly
// sortable in the sales table; uniqueness comes from the uuid part alone.
func NewSaleID() string {
	return fmt.Sprintf("S%s-%s", time.Now().UTC().Format("20060102"), uuid.NewString())
}

// NewSessionID returns a fresh handshake session id.
func NewSessionID() string {
	return uuid.NewString()
}
