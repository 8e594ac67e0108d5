package sections

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidSection indicates that a section name is empty or exceeds storage bounds.
	ErrInvalidSection = errors.New("sections: invalid section name")
	// ErrInvalidVersion indicates a negative client version.
	ErrInvalidVersion = errors.New("sections: invalid version")
)

// Name is a validated section name.
type Name string

// NewName validates raw input and returns a Name.
func NewName(rawInput string) (Name, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSection)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSection, maxIdentifierLength)
	}
	return Name(trimmed), nil
}

// String returns the underlying section name.
func (n Name) String() string {
	return string(n)
}

// Record is the authoritative version of one order section.
type Record struct {
	OrderID          string `gorm:"column:order_id;primaryKey;size:190;not null"`
	Section          string `gorm:"column:section;primaryKey;size:190;not null"`
	Version          int64  `gorm:"column:version;not null;default:0"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null;default:''"`
	UpdatedByID      string `gorm:"column:updated_by_id;size:190;not null;default:''"`
	UpdatedByName    string `gorm:"column:updated_by_name;size:320;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "order_sections"
}

// Change is the append-only audit trail of accepted section writes.
type Change struct {
	ChangeID          string `gorm:"column:change_id;primaryKey;size:190;not null"`
	OrderID           string `gorm:"column:order_id;not null;index:idx_section_changes_order,priority:1"`
	Section           string `gorm:"column:section;not null;index:idx_section_changes_order,priority:2"`
	AppliedAtSeconds  int64  `gorm:"column:applied_at_s;not null;index:idx_section_changes_order,priority:3"`
	UserID            string `gorm:"column:user_id;size:190;not null"`
	UserName          string `gorm:"column:user_name;size:320;not null;default:''"`
	ChangesSummary    string `gorm:"column:changes_summary;type:text;not null;default:''"`
	ChangedFieldsJSON string `gorm:"column:changed_fields_json;type:text;not null;default:'[]'"`
	PreviousVersion   int64  `gorm:"column:prev_version;not null"`
	NewVersion        int64  `gorm:"column:new_version;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Change) TableName() string {
	return "section_changes"
}

// WriteRequest is a versioned write against one section.
type WriteRequest struct {
	OrderID        string
	Section        Name
	ClientVersion  int64
	UserID         string
	UserName       string
	ChangesSummary string
	ChangedFields  []string
	PayloadJSON    string
}

// WriteOutcome captures the decision from resolveWrite.
type WriteOutcome struct {
	Accepted      bool
	ServerVersion int64
	Updated       *Record
	AuditRecord   *Change
}
