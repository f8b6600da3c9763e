package tool

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"grist-agent/internal/domain"
	"grist-agent/internal/infra/tracer"
	"grist-agent/internal/usecase/document"
)

const destructiveWarning = " WARNING: this operation is destructive. The user must confirm it before it runs."

// bindTo adapts a typed handler to the Execute pipeline for one service.
func bindTo[P any](name string, h func(svc *document.Service) func(ctx context.Context, span trace.Span, p P) (any, error)) func(*document.Service, *slog.Logger) handlerFunc {
	return func(svc *document.Service, logger *slog.Logger) handlerFunc {
		fn := h(svc)
		return func(ctx context.Context, raw json.RawMessage) (*domain.ToolResult, error) {
			return Execute(ctx, "tool."+name, logger, raw, fn)
		}
	}
}

func documentSpecs() []Spec {
	return []Spec{
		{
			Name:        document.ToolGetTables,
			Description: "List every table in the current Grist document.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
			bind: bindTo(document.ToolGetTables, func(svc *document.Service) func(context.Context, trace.Span, struct{}) (any, error) {
				return func(ctx context.Context, span trace.Span, _ struct{}) (any, error) {
					tables, err := svc.GetTables(ctx)
					if err != nil {
						return nil, err
					}
					span.SetAttributes(tracer.IntAttr("grist.tables", len(tables)))
					return map[string]any{"tables": tables, "count": len(tables)}, nil
				}
			}),
		},
		{
			Name:        document.ToolGetTableColumns,
			Description: "Describe the columns of a table: id, label, type, choices and reference target.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"table_id":{"type":"string","description":"Table id, e.g. Projects"}
			},"required":["table_id"]}`),
			bind: bindTo(document.ToolGetTableColumns, func(svc *document.Service) func(context.Context, trace.Span, document.TableArgs) (any, error) {
				return func(ctx context.Context, _ trace.Span, p document.TableArgs) (any, error) {
					if err := RequireField("table_id", p.TableID); err != nil {
						return nil, err
					}
					cols, err := svc.GetTableColumns(ctx, p)
					if err != nil {
						return nil, err
					}
					return map[string]any{"table_id": p.TableID, "columns": cols}, nil
				}
			}),
		},
		{
			Name:        document.ToolGetSampleRecords,
			Description: "Return up to 10 rows of a table to see what the data looks like.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"table_id":{"type":"string"},
				"limit":{"type":"integer","minimum":1,"maximum":10,"description":"Number of rows, at most 10"}
			},"required":["table_id"]}`),
			bind: bindTo(document.ToolGetSampleRecords, func(svc *document.Service) func(context.Context, trace.Span, document.SampleArgs) (any, error) {
				return func(ctx context.Context, _ trace.Span, p document.SampleArgs) (any, error) {
					if err := ValidateAll(
						RequireField("table_id", p.TableID),
						ValidateRange("limit", p.Limit, 1, document.MaxSampleRecords),
					); err != nil {
						return nil, err
					}
					rows, err := svc.GetSampleRecords(ctx, p)
					if err != nil {
						return nil, err
					}
					return map[string]any{"table_id": p.TableID, "records": rows, "count": len(rows)}, nil
				}
			}),
		},
		{
			Name: document.ToolQueryDocument,
			Description: "Run a read-only SQL SELECT against the document (SQLite dialect). " +
				"Use ? placeholders with args for values. At most 100 rows are returned.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"query":{"type":"string","description":"A single SELECT or WITH statement"},
				"args":{"type":"array","description":"Values for ? placeholders"}
			},"required":["query"]}`),
			bind: bindTo(document.ToolQueryDocument, func(svc *document.Service) func(context.Context, trace.Span, document.QueryArgs) (any, error) {
				return func(ctx context.Context, span trace.Span, p document.QueryArgs) (any, error) {
					if err := RequireField("query", p.Query); err != nil {
						return nil, err
					}
					rows, err := svc.QueryDocument(ctx, p)
					if err != nil {
						return nil, err
					}
					span.SetAttributes(tracer.IntAttr("grist.rows", len(rows)))
					return map[string]any{"rows": rows, "row_count": len(rows)}, nil
				}
			}),
		},
		{
			Name: document.ToolAddRecords,
			Description: "Insert rows into a table. Each record maps column ids to values. " +
				`List cells use ["L", ...]; dates are Unix timestamps in seconds. Large batches need confirmation.`,
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"table_id":{"type":"string"},
				"records":{"type":"array","minItems":1,"items":{"type":"object"}}
			},"required":["table_id","records"]}`),
			bind: bindTo(document.ToolAddRecords, func(svc *document.Service) func(context.Context, trace.Span, document.AddRecordsArgs) (any, error) {
				return func(ctx context.Context, span trace.Span, p document.AddRecordsArgs) (any, error) {
					if err := RequireField("table_id", p.TableID); err != nil {
						return nil, err
					}
					span.SetAttributes(tracer.IntAttr("grist.records", len(p.Records)))
					return svc.AddRecords(ctx, p)
				}
			}),
		},
		{
			Name: document.ToolUpdateRecords,
			Description: "Update existing rows. record_ids and records pair up by position; " +
				"each record holds only the fields to change. Large batches need confirmation.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"table_id":{"type":"string"},
				"record_ids":{"type":"array","minItems":1,"items":{"type":"integer"}},
				"records":{"type":"array","minItems":1,"items":{"type":"object"}}
			},"required":["table_id","record_ids","records"]}`),
			bind: bindTo(document.ToolUpdateRecords, func(svc *document.Service) func(context.Context, trace.Span, document.UpdateRecordsArgs) (any, error) {
				return func(ctx context.Context, span trace.Span, p document.UpdateRecordsArgs) (any, error) {
					if err := ValidateAll(RequireField("table_id", p.TableID), RequireIDs("record_ids", p.RecordIDs)); err != nil {
						return nil, err
					}
					span.SetAttributes(tracer.IntAttr("grist.records", len(p.RecordIDs)))
					return svc.UpdateRecords(ctx, p)
				}
			}),
		},
		{
			Name:        document.ToolRemoveRecords,
			Description: "Delete rows by id." + destructiveWarning,
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"table_id":{"type":"string"},
				"record_ids":{"type":"array","minItems":1,"items":{"type":"integer"}}
			},"required":["table_id","record_ids"]}`),
			Destructive: true,
			bind: bindTo(document.ToolRemoveRecords, func(svc *document.Service) func(context.Context, trace.Span, document.RemoveRecordsArgs) (any, error) {
				return func(ctx context.Context, span trace.Span, p document.RemoveRecordsArgs) (any, error) {
					if err := ValidateAll(RequireField("table_id", p.TableID), RequireIDs("record_ids", p.RecordIDs)); err != nil {
						return nil, err
					}
					span.SetAttributes(tracer.IntAttr("grist.records", len(p.RecordIDs)))
					return svc.RemoveRecords(ctx, p)
				}
			}),
		},
		{
			Name:        document.ToolAddTable,
			Description: "Create a table with the given columns. Grist may adjust the id; the actual id is returned.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"table_id":{"type":"string"},
				"columns":{"type":"array","items":{"type":"object","properties":{
					"id":{"type":"string"},
					"type":{"type":"string"},
					"label":{"type":"string"},
					"formula":{"type":"string"}
				},"required":["id"]}}
			},"required":["table_id","columns"]}`),
			bind: bindTo(document.ToolAddTable, func(svc *document.Service) func(context.Context, trace.Span, document.AddTableArgs) (any, error) {
				return func(ctx context.Context, _ trace.Span, p document.AddTableArgs) (any, error) {
					if err := RequireField("table_id", p.TableID); err != nil {
						return nil, err
					}
					return svc.AddTable(ctx, p)
				}
			}),
		},
		{
			Name: document.ToolAddTableColumn,
			Description: "Add a column to a table. col_type is a Grist type such as Text, Numeric, Int, Bool, " +
				"Date, DateTime, Choice, ChoiceList, Ref:Table or RefList:Table.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"table_id":{"type":"string"},
				"column_id":{"type":"string"},
				"col_type":{"type":"string"},
				"label":{"type":"string"},
				"formula":{"type":"string"},
				"widget_options":{"type":"object","description":"e.g. {\"choices\": [\"A\", \"B\"]}"}
			},"required":["table_id","column_id","col_type"]}`),
			bind: bindTo(document.ToolAddTableColumn, func(svc *document.Service) func(context.Context, trace.Span, document.AddColumnArgs) (any, error) {
				return func(ctx context.Context, _ trace.Span, p document.AddColumnArgs) (any, error) {
					if err := ValidateAll(
						RequireField("table_id", p.TableID),
						RequireField("column_id", p.ColumnID),
						RequireField("col_type", p.ColType),
					); err != nil {
						return nil, err
					}
					return svc.AddTableColumn(ctx, p)
				}
			}),
		},
		{
			Name: document.ToolUpdateTableColumn,
			Description: "Change a column's label, type, formula or widget options. Omitted fields stay unchanged." +
				" WARNING: changing the type can lose data and needs user confirmation.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"table_id":{"type":"string"},
				"column_id":{"type":"string"},
				"label":{"type":"string"},
				"col_type":{"type":"string"},
				"formula":{"type":"string"},
				"widget_options":{"type":"object"}
			},"required":["table_id","column_id"]}`),
			bind: bindTo(document.ToolUpdateTableColumn, func(svc *document.Service) func(context.Context, trace.Span, document.UpdateColumnArgs) (any, error) {
				return func(ctx context.Context, span trace.Span, p document.UpdateColumnArgs) (any, error) {
					if err := ValidateAll(RequireField("table_id", p.TableID), RequireField("column_id", p.ColumnID)); err != nil {
						return nil, err
					}
					span.SetAttributes(tracer.BoolAttr("grist.type_change", p.ColType != ""))
					return svc.UpdateTableColumn(ctx, p)
				}
			}),
		},
		{
			Name:        document.ToolRemoveTableColumn,
			Description: "Delete a column and all of its data." + destructiveWarning,
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"table_id":{"type":"string"},
				"column_id":{"type":"string"}
			},"required":["table_id","column_id"]}`),
			Destructive: true,
			bind: bindTo(document.ToolRemoveTableColumn, func(svc *document.Service) func(context.Context, trace.Span, document.ColumnArgs) (any, error) {
				return func(ctx context.Context, _ trace.Span, p document.ColumnArgs) (any, error) {
					if err := ValidateAll(RequireField("table_id", p.TableID), RequireField("column_id", p.ColumnID)); err != nil {
						return nil, err
					}
					return svc.RemoveTableColumn(ctx, p)
				}
			}),
		},
	}
}
