package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

func connectionHandlers() repository.ModelHandlers[*connectionRecord] {
	return repository.ModelHandlers[*connectionRecord]{
		NewRecord: func() *connectionRecord {
			return &connectionRecord{}
		},
		GetID: func(record *connectionRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return recordUUID(record.ID)
		},
		SetID: func(record *connectionRecord, id uuid.UUID) {
			if record == nil || strings.TrimSpace(record.ID) != "" {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *connectionRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

// recordUUID maps a gateway id onto the uuid the repository keys on. Sortable
// ids are not uuids, so they get a stable name-based uuid instead.
func recordUUID(value string) uuid.UUID {
	value = strings.TrimSpace(value)
	if value == "" {
		return uuid.Nil
	}
	if parsed, err := uuid.Parse(value); err == nil {
		return parsed
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(value))
}
