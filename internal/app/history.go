package app

import (
	"context"
	"time"

	"planarian/api/internal/changelog"
	"planarian/api/internal/rbac"
)

// ChangeHistory lists the approved requests for a cave, newest first. Each
// request splits into cave-level rows and one group per entrance.
func (s *Service) ChangeHistory(ctx context.Context, session Session, caveID string) (map[string]any, error) {
	if !rbac.Can(session.Role, rbac.ActionRead) {
		return nil, forbidden()
	}
	records, err := s.store.ListHistory(ctx, caveID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(records))
	for _, record := range records {
		if record.Request.AccountID != session.AccountID {
			return nil, notFound("Cave not found")
		}

		var caveEntries []changelog.Entry
		var order []string
		byEntrance := map[string][]changelog.Entry{}
		for _, entry := range record.Entries {
			if entry.EntranceID == "" {
				caveEntries = append(caveEntries, entry)
				continue
			}
			if _, ok := byEntrance[entry.EntranceID]; !ok {
				order = append(order, entry.EntranceID)
			}
			byEntrance[entry.EntranceID] = append(byEntrance[entry.EntranceID], entry)
		}

		changelog.SortEntries(caveEntries)
		entrances := make([]map[string]any, 0, len(order))
		for _, entranceID := range order {
			group := byEntrance[entranceID]
			changelog.SortEntries(group)
			entrances = append(entrances, map[string]any{
				"entranceId": entranceID,
				"changes":    presentEntries(group),
			})
		}

		item := presentRequest(record.Request)
		delete(item, "cave")
		item["changes"] = presentEntries(caveEntries)
		item["entrances"] = entrances
		items = append(items, item)
	}
	return map[string]any{"caveId": caveID, "history": items}, nil
}

func presentEntries(entries []changelog.Entry) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		row := map[string]any{
			"property":      string(entry.Property),
			"changeType":    string(entry.ChangeType),
			"valueType":     string(entry.ValueType()),
			"value":         presentValue(entry.Value),
			"originalValue": presentValue(entry.Original),
		}
		if entry.PropertyID != "" {
			row["propertyId"] = entry.PropertyID
		}
		out = append(out, row)
	}
	return out
}

func presentValue(value changelog.Value) any {
	switch v := value.(type) {
	case changelog.String:
		return string(v)
	case changelog.Int:
		return int64(v)
	case changelog.Double:
		return float64(v)
	case changelog.Bool:
		return bool(v)
	case changelog.DateTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	default:
		return nil
	}
}
