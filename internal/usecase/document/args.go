package document

import "grist-agent/internal/domain"

// Tool names bound to Service methods.
const (
	ToolGetTables         = "get_tables"
	ToolGetTableColumns   = "get_table_columns"
	ToolGetSampleRecords  = "get_sample_records"
	ToolQueryDocument     = "query_document"
	ToolAddRecords        = "add_records"
	ToolUpdateRecords     = "update_records"
	ToolRemoveRecords     = "remove_records"
	ToolAddTable          = "add_table"
	ToolAddTableColumn    = "add_table_column"
	ToolUpdateTableColumn = "update_table_column"
	ToolRemoveTableColumn = "remove_table_column"
)

// TableArgs addresses one table.
type TableArgs struct {
	TableID string `json:"table_id"`
}

// SampleArgs is the input of get_sample_records.
type SampleArgs struct {
	TableID string `json:"table_id"`
	Limit   int    `json:"limit,omitempty"`
}

// QueryArgs is the input of query_document.
type QueryArgs struct {
	Query string `json:"query"`
	Args  []any  `json:"args,omitempty"`
}

// AddRecordsArgs is the input of add_records.
type AddRecordsArgs struct {
	TableID string           `json:"table_id"`
	Records []map[string]any `json:"records"`
}

// UpdateRecordsArgs is the input of update_records. Records pair with
// RecordIDs by position.
type UpdateRecordsArgs struct {
	TableID   string           `json:"table_id"`
	RecordIDs []int64          `json:"record_ids"`
	Records   []map[string]any `json:"records"`
}

// RemoveRecordsArgs is the input of remove_records.
type RemoveRecordsArgs struct {
	TableID   string  `json:"table_id"`
	RecordIDs []int64 `json:"record_ids"`
}

// AddTableArgs is the input of add_table.
type AddTableArgs struct {
	TableID string              `json:"table_id"`
	Columns []domain.ColumnSpec `json:"columns"`
}

// AddColumnArgs is the input of add_table_column.
type AddColumnArgs struct {
	TableID       string         `json:"table_id"`
	ColumnID      string         `json:"column_id"`
	ColType       string         `json:"col_type"`
	Label         string         `json:"label,omitempty"`
	Formula       string         `json:"formula,omitempty"`
	WidgetOptions map[string]any `json:"widget_options,omitempty"`
}

// UpdateColumnArgs is the input of update_table_column. Empty fields are left unchanged.
type UpdateColumnArgs struct {
	TableID       string         `json:"table_id"`
	ColumnID      string         `json:"column_id"`
	Label         string         `json:"label,omitempty"`
	ColType       string         `json:"col_type,omitempty"`
	Formula       string         `json:"formula,omitempty"`
	WidgetOptions map[string]any `json:"widget_options,omitempty"`
}

// ColumnArgs addresses one column.
type ColumnArgs struct {
	TableID  string `json:"table_id"`
	ColumnID string `json:"column_id"`
}

// AddRecordsResult is returned by add_records.
type AddRecordsResult struct {
	RecordIDs []int64 `json:"record_ids"`
	Count     int     `json:"count"`
}

// UpdateRecordsResult is returned by update_records.
type UpdateRecordsResult struct {
	UpdatedCount int `json:"updated_count"`
}

// RemoveRecordsResult is returned by remove_records.
type RemoveRecordsResult struct {
	DeletedCount int `json:"deleted_count"`
}

// AddTableResult is returned by add_table.
type AddTableResult struct {
	TableID      string `json:"table_id"`
	ColumnsCount int    `json:"columns_count"`
}

// ColumnResult is returned by the column mutations.
type ColumnResult struct {
	TableID  string `json:"table_id"`
	ColumnID string `json:"column_id"`
	Type     string `json:"type,omitempty"`
	Updated  bool   `json:"updated,omitempty"`
	Deleted  bool   `json:"deleted,omitempty"`
}
