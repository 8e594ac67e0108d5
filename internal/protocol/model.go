package protocol

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidOrderID indicates that an order identifier is empty or exceeds bounds.
	ErrInvalidOrderID = errors.New("protocol: invalid order id")
	// ErrInvalidIdentity indicates that the local identity record is unusable.
	ErrInvalidIdentity = errors.New("protocol: invalid identity")
)

// OrderID represents a validated order identifier.
type OrderID string

// NewOrderID validates raw input and returns an OrderID.
func NewOrderID(rawInput string) (OrderID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOrderID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOrderID, maxIdentifierLength)
	}
	return OrderID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OrderID) String() string {
	return string(id)
}

// Identity is the client-side identity record attached to every session.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// Validate reports whether the identity carries a usable user id.
func (identity Identity) Validate() error {
	if strings.TrimSpace(identity.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidIdentity)
	}
	if len(identity.ID) > maxIdentifierLength {
		return fmt.Errorf("%w: id exceeds %d characters", ErrInvalidIdentity, maxIdentifierLength)
	}
	return nil
}

// PresenceEntry describes a user currently viewing an order.
type PresenceEntry struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Role     string `json:"role"`
}

// EntryFor converts an identity into its presence representation.
func EntryFor(identity Identity) PresenceEntry {
	return PresenceEntry{
		UserID:   identity.ID,
		UserName: identity.Name,
		Role:     identity.Role,
	}
}
