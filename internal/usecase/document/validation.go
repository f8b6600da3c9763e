package document

import (
	"encoding/json"
	"math"
	"slices"
	"sort"
	"strings"

	"grist-agent/internal/domain"
)

// Validator checks mutation arguments against an in-memory schema snapshot.
// It performs no I/O; the Service fills the snapshot before calling it.
// A disabled Validator accepts everything and returns inputs unchanged.
type Validator struct {
	enabled bool
	tables  []string
	schemas map[string]domain.SchemaDescriptor
}

// NewValidator creates a Validator with an empty schema snapshot.
func NewValidator(enabled bool) *Validator {
	return &Validator{enabled: enabled, schemas: make(map[string]domain.SchemaDescriptor)}
}

// Enabled reports whether checks are active.
func (v *Validator) Enabled() bool { return v.enabled }

// SetTables records the table ids of the document.
func (v *Validator) SetTables(ids []string) { v.tables = slices.Clone(ids) }

// HasTables reports whether the table list has been loaded.
func (v *Validator) HasTables() bool { return v.tables != nil }

// SetSchema records the column layout of one table.
func (v *Validator) SetSchema(s domain.SchemaDescriptor) { v.schemas[s.TableID] = s }

// Schema returns the cached layout of tableID.
func (v *Validator) Schema(tableID string) (domain.SchemaDescriptor, bool) {
	s, ok := v.schemas[tableID]
	return s, ok
}

// PutColumn adds or replaces a column in an already cached table layout so the
// cache tracks changes made through this instance.
func (v *Validator) PutColumn(tableID string, col domain.Column) {
	s, ok := v.schemas[tableID]
	if !ok {
		return
	}
	cols := slices.Clone(s.Columns)
	if i := slices.IndexFunc(cols, func(c domain.Column) bool { return c.ID == col.ID }); i >= 0 {
		cols[i] = col
	} else {
		cols = append(cols, col)
	}
	s.Columns = cols
	v.schemas[tableID] = s
}

// DropColumn removes a column from an already cached table layout.
func (v *Validator) DropColumn(tableID, columnID string) {
	s, ok := v.schemas[tableID]
	if !ok {
		return
	}
	s.Columns = slices.DeleteFunc(slices.Clone(s.Columns), func(c domain.Column) bool { return c.ID == columnID })
	v.schemas[tableID] = s
}

// Tables returns the cached table ids.
func (v *Validator) Tables() []string { return slices.Clone(v.tables) }

// TableExists resolves tableID to its canonical spelling.
// Exact matches win over case-insensitive ones.
func (v *Validator) TableExists(tableID string) (string, error) {
	if !v.enabled {
		return tableID, nil
	}
	if id, ok := matchID(v.tables, tableID); ok {
		return id, nil
	}
	return "", domain.NewTableNotFound(tableID, v.Tables())
}

// ColumnExists resolves columnID within tableID, which must already be canonical.
func (v *Validator) ColumnExists(tableID, columnID string) (domain.Column, error) {
	if !v.enabled {
		return domain.Column{ID: columnID}, nil
	}
	schema := v.schemas[tableID]
	for _, c := range schema.Columns {
		if c.ID == columnID {
			return c, nil
		}
	}
	for _, c := range schema.Columns {
		if strings.EqualFold(c.ID, columnID) {
			return c, nil
		}
	}
	return domain.Column{}, domain.NewColumnNotFound(tableID, columnID, schema.ColumnIDs())
}

// RecordData checks every field of record and returns a copy keyed by canonical
// column ids. The "id" field passes through and null is always accepted.
func (v *Validator) RecordData(tableID string, record map[string]any) (map[string]any, error) {
	if !v.enabled {
		return record, nil
	}
	out := make(map[string]any, len(record))
	for _, field := range sortedKeys(record) {
		value := record[field]
		if field == "id" {
			out[field] = value
			continue
		}
		col, err := v.ColumnExists(tableID, field)
		if err != nil {
			return nil, err
		}
		if value != nil {
			if err := ValidateValue(col, value); err != nil {
				return nil, err
			}
		}
		out[col.ID] = value
	}
	return out, nil
}

// ValidateValue checks one non-null cell value against its column type.
// Unknown and formula-only types accept anything.
func ValidateValue(col domain.Column, value any) error {
	field := col.ID
	switch col.BaseType() {
	case domain.ColText:
		if _, ok := value.(string); !ok {
			return domain.NewTypeMismatch(field, domain.ColText, value, "Convert to string")
		}
	case domain.ColNumeric:
		if _, ok := toNumber(value); !ok {
			return domain.NewTypeMismatch(field, domain.ColNumeric, value, "Use a number instead")
		}
	case domain.ColInt:
		if !isInteger(value) {
			return domain.NewTypeMismatch(field, domain.ColInt, value, "Use an integer instead")
		}
	case domain.ColBool:
		if _, ok := value.(bool); !ok {
			return domain.NewTypeMismatch(field, domain.ColBool, value, "Use true or false")
		}
	case domain.ColDate, domain.ColDateTime:
		if _, ok := toNumber(value); !ok {
			return domain.NewTypeMismatch(field, col.BaseType(), value, "Use Unix timestamp in seconds")
		}
	case domain.ColChoice:
		if len(col.Choices) > 0 && !inChoices(col.Choices, value) {
			return domain.NewInvalidChoice(field, value, col.Choices)
		}
	case domain.ColChoiceList:
		items, err := taggedList(field, domain.ColChoiceList, value, `Use format ["L", "Choice1", "Choice2"]`)
		if err != nil {
			return err
		}
		if len(col.Choices) > 0 {
			for _, item := range items {
				if !inChoices(col.Choices, item) {
					return domain.NewInvalidChoice(field, item, col.Choices)
				}
			}
		}
	case domain.ColRef:
		if !isInteger(value) {
			return domain.NewTypeMismatch(field, domain.ColRef, value, "Use record ID (integer)")
		}
	case domain.ColRefList:
		items, err := taggedList(field, domain.ColRefList, value, `Use format ["L", 1, 2, 3]`)
		if err != nil {
			return err
		}
		for _, item := range items {
			if !isInteger(item) {
				return domain.NewTypeMismatch(field, domain.ColRefList, value, "All IDs must be integers")
			}
		}
	case domain.ColAttachments:
		list, ok := value.([]any)
		if !ok {
			return domain.NewTypeMismatch(field, domain.ColAttachments, value, `Use format ["L", 1, 2, 3]`)
		}
		if len(list) > 0 && list[0] != domain.ListMarker {
			return domain.NewValidationError(field, "Attachments list must start with 'L'", `Use format ["L", 1, 2, 3]`)
		}
	}
	return nil
}

// taggedList unpacks ["L", items...]. A non-list is a type mismatch and a
// list without the marker is a shape error.
func taggedList(field, colType string, value any, hint string) ([]any, error) {
	list, ok := value.([]any)
	if !ok {
		return nil, domain.NewTypeMismatch(field, colType, value, hint)
	}
	if len(list) == 0 || list[0] != domain.ListMarker {
		return nil, domain.NewValidationError(field, colType+" must start with 'L'", hint)
	}
	return list[1:], nil
}

func matchID(ids []string, want string) (string, bool) {
	if slices.Contains(ids, want) {
		return want, true
	}
	for _, id := range ids {
		if strings.EqualFold(id, want) {
			return id, true
		}
	}
	return "", false
}

func inChoices(choices []string, value any) bool {
	s, ok := value.(string)
	return ok && slices.Contains(choices, s)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func isInteger(v any) bool {
	f, ok := toNumber(v)
	return ok && !math.IsInf(f, 0) && f == math.Trunc(f)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
