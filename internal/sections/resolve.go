package sections

import (
	"encoding/json"
	"time"
)

// resolveWrite applies optimistic concurrency: the write is accepted only
// when the client saw the current version, and then bumps it by one.
func resolveWrite(existing *Record, request WriteRequest, appliedAt time.Time) (WriteOutcome, error) {
	stored := Record{
		OrderID: request.OrderID,
		Section: request.Section.String(),
		Version: 0,
	}
	if existing != nil {
		stored = *existing
	}

	if request.ClientVersion != stored.Version {
		copyStored := stored
		return WriteOutcome{
			Accepted:      false,
			ServerVersion: stored.Version,
			Updated:       &copyStored,
		}, nil
	}

	fields := request.ChangedFields
	if fields == nil {
		fields = []string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return WriteOutcome{}, err
	}

	updated := stored
	updated.Version = stored.Version + 1
	updated.UpdatedByID = request.UserID
	updated.UpdatedByName = request.UserName
	updated.UpdatedAtSeconds = appliedAt.Unix()
	if request.PayloadJSON != "" {
		updated.PayloadJSON = request.PayloadJSON
	}

	audit := &Change{
		OrderID:           updated.OrderID,
		Section:           updated.Section,
		AppliedAtSeconds:  appliedAt.Unix(),
		UserID:            request.UserID,
		UserName:          request.UserName,
		ChangesSummary:    request.ChangesSummary,
		ChangedFieldsJSON: string(fieldsJSON),
		PreviousVersion:   stored.Version,
		NewVersion:        updated.Version,
	}

	return WriteOutcome{
		Accepted:      true,
		ServerVersion: updated.Version,
		Updated:       &updated,
		AuditRecord:   audit,
	}, nil
}
