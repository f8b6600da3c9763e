// Package document mediates every tool call against one Grist document:
// it validates inputs against a per-instance schema cache, gates destructive
// mutations behind a confirmation, and normalizes API results.
package document

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"grist-agent/internal/domain"
)

// Limits applied regardless of what the model asks for.
const (
	MaxSampleRecords = 10
	MaxQueryRows     = 100
)

// Config tunes one Service instance.
type Config struct {
	ValidationEnabled bool
	// BulkThreshold is the record count above which adds and updates need confirmation.
	BulkThreshold int
	// Destructive names the tools that always need confirmation. Nil selects
	// the removal tools.
	Destructive map[string]bool
}

// defaultDestructive is used when Config.Destructive is nil.
func defaultDestructive() map[string]bool {
	return map[string]bool{ToolRemoveRecords: true, ToolRemoveTableColumn: true}
}

// Service is created per request and is not safe for concurrent use.
type Service struct {
	client    domain.GristClient
	docID     string
	cfg       Config
	validator *Validator
	previewer *Previewer
	confirmer domain.Confirmer
	logger    *slog.Logger
}

// NewService binds a Grist document. A nil confirmer executes destructive
// operations immediately.
func NewService(client domain.GristClient, docID string, confirmer domain.Confirmer, cfg Config, logger *slog.Logger) *Service {
	if cfg.BulkThreshold <= 0 {
		cfg.BulkThreshold = 10
	}
	if cfg.Destructive == nil {
		cfg.Destructive = defaultDestructive()
	}
	return &Service{
		client:    client,
		docID:     docID,
		cfg:       cfg,
		validator: NewValidator(cfg.ValidationEnabled),
		previewer: NewPreviewer(client, docID, logger),
		confirmer: confirmer,
		logger:    logger.With("document", docID),
	}
}

// DocumentID returns the bound document.
func (s *Service) DocumentID() string { return s.docID }

// SetDestructive replaces the set of tools that always need confirmation.
func (s *Service) SetDestructive(tools map[string]bool) {
	if tools == nil {
		tools = map[string]bool{}
	}
	s.cfg.Destructive = tools
}

// Destructive reports whether tool always needs confirmation.
func (s *Service) Destructive(tool string) bool { return s.cfg.Destructive[tool] }

// GetTables lists the document's tables and primes the table cache.
func (s *Service) GetTables(ctx context.Context) ([]string, error) {
	tables, err := s.client.ListTables(ctx, s.docID)
	if err != nil {
		return nil, domain.WrapOp("Document.GetTables", err)
	}
	s.validator.SetTables(tables)
	return tables, nil
}

// GetTableColumns returns the column layout of a table.
func (s *Service) GetTableColumns(ctx context.Context, args TableArgs) ([]domain.Column, error) {
	tableID, err := s.resolveTable(ctx, args.TableID)
	if err != nil {
		return nil, err
	}
	schema, err := s.schema(ctx, tableID)
	if err != nil {
		return nil, err
	}
	return schema.Columns, nil
}

// GetSampleRecords returns up to MaxSampleRecords rows with their ids merged in.
func (s *Service) GetSampleRecords(ctx context.Context, args SampleArgs) ([]map[string]any, error) {
	tableID, err := s.resolveTable(ctx, args.TableID)
	if err != nil {
		return nil, err
	}
	limit := args.Limit
	if limit <= 0 || limit > MaxSampleRecords {
		limit = MaxSampleRecords
	}
	records, err := s.client.FetchRecords(ctx, s.docID, tableID, limit)
	if err != nil {
		return nil, domain.WrapOp("Document.GetSampleRecords", err)
	}
	out := make([]map[string]any, 0, len(records))
	for _, r := range records {
		row := make(map[string]any, len(r.Fields)+1)
		for k, v := range r.Fields {
			row[k] = v
		}
		row["id"] = r.ID
		out = append(out, row)
	}
	return out, nil
}

// QueryDocument runs a read-only SQL query, capped at MaxQueryRows rows.
func (s *Service) QueryDocument(ctx context.Context, args QueryArgs) ([]map[string]any, error) {
	if reason := checkReadOnly(args.Query); reason != "" {
		return nil, domain.NewQueryError(args.Query, reason)
	}
	if s.validator.Enabled() {
		if err := s.loadTables(ctx); err != nil {
			return nil, err
		}
		for _, name := range referencedTables(args.Query) {
			if _, err := s.validator.TableExists(name); err != nil {
				return nil, err
			}
		}
	}
	rows, err := s.client.SQL(ctx, s.docID, args.Query, args.Args)
	if err != nil {
		return nil, domain.WrapOp("Document.QueryDocument", err)
	}
	if len(rows) > MaxQueryRows {
		s.logger.Debug("query truncated", "rows", len(rows), "limit", MaxQueryRows)
		rows = rows[:MaxQueryRows]
	}
	return rows, nil
}

// AddRecords inserts records. Batches above the bulk threshold need confirmation.
func (s *Service) AddRecords(ctx context.Context, args AddRecordsArgs) (*AddRecordsResult, error) {
	return s.addRecords(ctx, args, false)
}

func (s *Service) addRecords(ctx context.Context, args AddRecordsArgs, confirmed bool) (*AddRecordsResult, error) {
	if len(args.Records) == 0 {
		return nil, domain.NewValidationError("records", "At least one record is required")
	}
	tableID, records, err := s.validateRecords(ctx, args.TableID, args.Records)
	if err != nil {
		return nil, err
	}
	args.TableID, args.Records = tableID, records

	if s.gated(confirmed) && (s.Destructive(ToolAddRecords) || len(records) > s.cfg.BulkThreshold) {
		return nil, s.deferOperation(ctx, ToolAddRecords, args, s.previewer.AddRecords(tableID, records))
	}

	ids, err := s.client.AddRecords(ctx, s.docID, tableID, records)
	if err != nil {
		return nil, domain.WrapOp("Document.AddRecords", err)
	}
	s.logger.Info("records added", "table", tableID, "count", len(ids))
	return &AddRecordsResult{RecordIDs: ids, Count: len(ids)}, nil
}

// UpdateRecords overwrites fields of existing rows. Batches above the bulk
// threshold need confirmation.
func (s *Service) UpdateRecords(ctx context.Context, args UpdateRecordsArgs) (*UpdateRecordsResult, error) {
	return s.updateRecords(ctx, args, false)
}

func (s *Service) updateRecords(ctx context.Context, args UpdateRecordsArgs, confirmed bool) (*UpdateRecordsResult, error) {
	if len(args.RecordIDs) != len(args.Records) {
		return nil, domain.NewValidationError("records",
			fmt.Sprintf("Mismatch: %d IDs but %d record objects", len(args.RecordIDs), len(args.Records)))
	}
	if len(args.RecordIDs) == 0 {
		return nil, domain.NewValidationError("record_ids", "At least one record ID is required")
	}
	tableID, records, err := s.validateRecords(ctx, args.TableID, args.Records)
	if err != nil {
		return nil, err
	}
	args.TableID, args.Records = tableID, records

	if s.gated(confirmed) && (s.Destructive(ToolUpdateRecords) || len(records) > s.cfg.BulkThreshold) {
		preview := s.previewer.UpdateRecords(ctx, tableID, args.RecordIDs, records)
		return nil, s.deferOperation(ctx, ToolUpdateRecords, args, preview)
	}

	batch := make([]domain.Record, len(records))
	for i, r := range records {
		fields := make(map[string]any, len(r))
		for k, v := range r {
			if k != "id" {
				fields[k] = v
			}
		}
		batch[i] = domain.Record{ID: args.RecordIDs[i], Fields: fields}
	}
	if err := s.client.UpdateRecords(ctx, s.docID, tableID, batch); err != nil {
		return nil, domain.WrapOp("Document.UpdateRecords", err)
	}
	s.logger.Info("records updated", "table", tableID, "count", len(batch))
	return &UpdateRecordsResult{UpdatedCount: len(batch)}, nil
}

// RemoveRecords deletes rows. Requires confirmation while the tool is marked
// destructive.
func (s *Service) RemoveRecords(ctx context.Context, args RemoveRecordsArgs) (*RemoveRecordsResult, error) {
	return s.removeRecords(ctx, args, false)
}

func (s *Service) removeRecords(ctx context.Context, args RemoveRecordsArgs, confirmed bool) (*RemoveRecordsResult, error) {
	if len(args.RecordIDs) == 0 {
		return nil, domain.NewValidationError("record_ids", "At least one record ID is required")
	}
	tableID, err := s.resolveTable(ctx, args.TableID)
	if err != nil {
		return nil, err
	}
	args.TableID = tableID

	if s.gated(confirmed) && s.Destructive(ToolRemoveRecords) {
		preview := s.previewer.DeleteRecords(ctx, tableID, args.RecordIDs)
		return nil, s.deferOperation(ctx, ToolRemoveRecords, args, preview)
	}

	if err := s.client.DeleteRecords(ctx, s.docID, tableID, args.RecordIDs); err != nil {
		return nil, domain.WrapOp("Document.RemoveRecords", err)
	}
	s.logger.Info("records removed", "table", tableID, "count", len(args.RecordIDs))
	return &RemoveRecordsResult{DeletedCount: len(args.RecordIDs)}, nil
}

// AddTable creates a table with at least one column.
func (s *Service) AddTable(ctx context.Context, args AddTableArgs) (*AddTableResult, error) {
	if strings.TrimSpace(args.TableID) == "" {
		return nil, domain.NewValidationError("table_id", "Table ID cannot be empty")
	}
	if len(args.Columns) == 0 {
		return nil, domain.NewValidationError("columns", "At least one column is required")
	}
	for i, c := range args.Columns {
		if strings.TrimSpace(c.ID) == "" {
			return nil, domain.NewValidationError(fmt.Sprintf("columns[%d].id", i), "Column ID cannot be empty")
		}
	}
	tableID, err := s.client.AddTable(ctx, s.docID, args.TableID, args.Columns)
	if err != nil {
		return nil, domain.WrapOp("Document.AddTable", err)
	}
	if s.validator.HasTables() {
		s.validator.SetTables(append(s.validator.Tables(), tableID))
	}
	s.logger.Info("table added", "table", tableID, "columns", len(args.Columns))
	return &AddTableResult{TableID: tableID, ColumnsCount: len(args.Columns)}, nil
}

// AddTableColumn appends a column to an existing table.
func (s *Service) AddTableColumn(ctx context.Context, args AddColumnArgs) (*ColumnResult, error) {
	if strings.TrimSpace(args.ColumnID) == "" {
		return nil, domain.NewValidationError("column_id", "Column ID cannot be empty")
	}
	tableID, err := s.resolveTable(ctx, args.TableID)
	if err != nil {
		return nil, err
	}
	spec := domain.ColumnSpec{
		ID:            args.ColumnID,
		Type:          args.ColType,
		Label:         args.Label,
		Formula:       args.Formula,
		WidgetOptions: args.WidgetOptions,
	}
	if args.Formula != "" {
		isFormula := true
		spec.IsFormula = &isFormula
	}
	if err := s.client.AddColumn(ctx, s.docID, tableID, spec); err != nil {
		return nil, domain.WrapOp("Document.AddTableColumn", err)
	}
	s.validator.PutColumn(tableID, domain.Column{
		ID:        args.ColumnID,
		Label:     args.Label,
		Type:      args.ColType,
		IsFormula: args.Formula != "",
		Formula:   args.Formula,
	})
	return &ColumnResult{TableID: tableID, ColumnID: args.ColumnID, Type: args.ColType}, nil
}

// UpdateTableColumn changes column properties. A type change needs confirmation.
func (s *Service) UpdateTableColumn(ctx context.Context, args UpdateColumnArgs) (*ColumnResult, error) {
	return s.updateTableColumn(ctx, args, false)
}

func (s *Service) updateTableColumn(ctx context.Context, args UpdateColumnArgs, confirmed bool) (*ColumnResult, error) {
	if args.Label == "" && args.ColType == "" && args.Formula == "" && args.WidgetOptions == nil {
		return nil, domain.NewValidationError("column", "At least one property must be updated",
			"label", "col_type", "formula", "widget_options")
	}
	tableID, col, err := s.resolveColumn(ctx, args.TableID, args.ColumnID)
	if err != nil {
		return nil, err
	}
	args.TableID, args.ColumnID = tableID, col.ID

	if s.gated(confirmed) && (s.Destructive(ToolUpdateTableColumn) || args.ColType != "") {
		preview := s.previewer.UpdateColumnType(tableID, col, args.ColType)
		return nil, s.deferOperation(ctx, ToolUpdateTableColumn, args, preview)
	}

	spec := domain.ColumnSpec{
		ID:            col.ID,
		Label:         args.Label,
		Type:          args.ColType,
		Formula:       args.Formula,
		WidgetOptions: args.WidgetOptions,
	}
	if err := s.client.UpdateColumn(ctx, s.docID, tableID, spec); err != nil {
		return nil, domain.WrapOp("Document.UpdateTableColumn", err)
	}
	if args.Label != "" {
		col.Label = args.Label
	}
	if args.ColType != "" {
		col.Type = args.ColType
	}
	s.validator.PutColumn(tableID, col)
	return &ColumnResult{TableID: tableID, ColumnID: col.ID, Updated: true}, nil
}

// RemoveTableColumn deletes a column and its data. Requires confirmation while
// the tool is marked destructive.
func (s *Service) RemoveTableColumn(ctx context.Context, args ColumnArgs) (*ColumnResult, error) {
	return s.removeTableColumn(ctx, args, false)
}

func (s *Service) removeTableColumn(ctx context.Context, args ColumnArgs, confirmed bool) (*ColumnResult, error) {
	tableID, col, err := s.resolveColumn(ctx, args.TableID, args.ColumnID)
	if err != nil {
		return nil, err
	}
	args.TableID, args.ColumnID = tableID, col.ID

	if s.gated(confirmed) && s.Destructive(ToolRemoveTableColumn) {
		if col.Label == "" {
			col = s.describeColumn(ctx, tableID, col)
		}
		preview := s.previewer.DeleteColumn(ctx, tableID, col)
		return nil, s.deferOperation(ctx, ToolRemoveTableColumn, args, preview)
	}

	if err := s.client.DeleteColumn(ctx, s.docID, tableID, col.ID); err != nil {
		return nil, domain.WrapOp("Document.RemoveTableColumn", err)
	}
	s.validator.DropColumn(tableID, col.ID)
	s.logger.Info("column removed", "table", tableID, "column", col.ID)
	return &ColumnResult{TableID: tableID, ColumnID: col.ID, Deleted: true}, nil
}

// ExecuteOperation runs a previously confirmed operation. Validation still
// applies; the confirmation gate does not.
func (s *Service) ExecuteOperation(ctx context.Context, op domain.PendingOperation) (any, error) {
	if op.DocumentID != "" && op.DocumentID != s.docID {
		return nil, domain.NewDomainError("Document.ExecuteOperation", domain.ErrInvalidInput,
			fmt.Sprintf("operation belongs to document %q", op.DocumentID))
	}
	switch op.ToolName {
	case ToolAddRecords:
		var args AddRecordsArgs
		if err := decodeArgs(op, &args); err != nil {
			return nil, err
		}
		return s.addRecords(ctx, args, true)
	case ToolUpdateRecords:
		var args UpdateRecordsArgs
		if err := decodeArgs(op, &args); err != nil {
			return nil, err
		}
		return s.updateRecords(ctx, args, true)
	case ToolRemoveRecords:
		var args RemoveRecordsArgs
		if err := decodeArgs(op, &args); err != nil {
			return nil, err
		}
		return s.removeRecords(ctx, args, true)
	case ToolUpdateTableColumn:
		var args UpdateColumnArgs
		if err := decodeArgs(op, &args); err != nil {
			return nil, err
		}
		return s.updateTableColumn(ctx, args, true)
	case ToolRemoveTableColumn:
		var args ColumnArgs
		if err := decodeArgs(op, &args); err != nil {
			return nil, err
		}
		return s.removeTableColumn(ctx, args, true)
	default:
		return nil, domain.NewDomainError("Document.ExecuteOperation", domain.ErrToolNotFound, op.ToolName)
	}
}

func decodeArgs(op domain.PendingOperation, v any) error {
	if err := json.Unmarshal(op.ToolArgs, v); err != nil {
		return domain.NewDomainError("Document.ExecuteOperation", domain.ErrInvalidInput,
			fmt.Sprintf("decode %s args: %v", op.ToolName, err))
	}
	return nil
}

// gated reports whether a not-yet-confirmed call must go through the confirmer.
func (s *Service) gated(confirmed bool) bool {
	return !confirmed && s.confirmer != nil
}

// deferOperation stores the operation behind a confirmation and returns the
// signal error.
func (s *Service) deferOperation(ctx context.Context, tool string, args any, preview domain.PreviewResult) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return domain.WrapOp("Document.deferOperation", err)
	}
	req, err := s.confirmer.Request(ctx, domain.PendingOperation{
		ToolName:   tool,
		ToolArgs:   raw,
		DocumentID: s.docID,
	}, preview)
	if err != nil {
		return domain.WrapOp("Document.deferOperation", err)
	}
	s.logger.Info("operation awaiting confirmation",
		"tool", tool, "confirmation_id", req.ID, "affected", preview.AffectedCount)
	return &domain.ConfirmationRequiredError{Request: req}
}

// validateRecords resolves the table and checks every record.
func (s *Service) validateRecords(ctx context.Context, tableID string, records []map[string]any) (string, []map[string]any, error) {
	tableID, err := s.resolveTable(ctx, tableID)
	if err != nil {
		return "", nil, err
	}
	if !s.validator.Enabled() {
		return tableID, records, nil
	}
	if _, err := s.schema(ctx, tableID); err != nil {
		return "", nil, err
	}
	out := make([]map[string]any, len(records))
	for i, r := range records {
		checked, err := s.validator.RecordData(tableID, r)
		if err != nil {
			return "", nil, err
		}
		out[i] = checked
	}
	return tableID, out, nil
}

func (s *Service) resolveTable(ctx context.Context, tableID string) (string, error) {
	if strings.TrimSpace(tableID) == "" {
		return "", domain.NewValidationError("table_id", "Table ID cannot be empty")
	}
	if !s.validator.Enabled() {
		return tableID, nil
	}
	if err := s.loadTables(ctx); err != nil {
		return "", err
	}
	return s.validator.TableExists(tableID)
}

func (s *Service) resolveColumn(ctx context.Context, tableID, columnID string) (string, domain.Column, error) {
	if strings.TrimSpace(columnID) == "" {
		return "", domain.Column{}, domain.NewValidationError("column_id", "Column ID cannot be empty")
	}
	tableID, err := s.resolveTable(ctx, tableID)
	if err != nil {
		return "", domain.Column{}, err
	}
	if s.validator.Enabled() {
		if _, err := s.schema(ctx, tableID); err != nil {
			return "", domain.Column{}, err
		}
	}
	col, err := s.validator.ColumnExists(tableID, columnID)
	return tableID, col, err
}

// describeColumn fills label and type from the API when validation did not load them.
func (s *Service) describeColumn(ctx context.Context, tableID string, col domain.Column) domain.Column {
	schema, err := s.schema(ctx, tableID)
	if err != nil {
		return col
	}
	for _, c := range schema.Columns {
		if c.ID == col.ID {
			return c
		}
	}
	return col
}

func (s *Service) loadTables(ctx context.Context) error {
	if s.validator.HasTables() {
		return nil
	}
	_, err := s.GetTables(ctx)
	return err
}

// schema returns the cached layout of tableID, fetching it once.
func (s *Service) schema(ctx context.Context, tableID string) (domain.SchemaDescriptor, error) {
	if cached, ok := s.validator.Schema(tableID); ok {
		return cached, nil
	}
	cols, err := s.client.ListColumns(ctx, s.docID, tableID)
	if err != nil {
		return domain.SchemaDescriptor{}, domain.WrapOp("Document.schema", err)
	}
	desc := domain.SchemaDescriptor{TableID: tableID, Columns: cols}
	s.validator.SetSchema(desc)
	return desc, nil
}
