package document

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"grist-agent/internal/domain"
)

// PreviewSampleSize bounds affected_items in every preview.
const PreviewSampleSize = 10

const irreversibleWarning = "This operation is IRREVERSIBLE"

// lossyConversions lists column type changes that can drop information.
var lossyConversions = map[[2]string]bool{
	{domain.ColNumeric, domain.ColInt}:   true,
	{domain.ColText, domain.ColInt}:      true,
	{domain.ColText, domain.ColNumeric}:  true,
	{domain.ColDateTime, domain.ColDate}: true,
}

// Previewer builds impact summaries for pending mutations. Failed lookups
// degrade to an empty sample and a logged warning.
type Previewer struct {
	client domain.GristClient
	docID  string
	logger *slog.Logger
}

// NewPreviewer creates a Previewer for one document.
func NewPreviewer(client domain.GristClient, docID string, logger *slog.Logger) *Previewer {
	return &Previewer{client: client, docID: docID, logger: logger}
}

// DeleteRecords previews removal of ids from tableID.
func (p *Previewer) DeleteRecords(ctx context.Context, tableID string, ids []int64) domain.PreviewResult {
	count := len(ids)
	rows := p.fetchRows(ctx, tableID, ids)

	warnings := []string{
		irreversibleWarning,
		fmt.Sprintf("%d record(s) will be permanently deleted", count),
	}
	if count > PreviewSampleSize {
		warnings = append(warnings, fmt.Sprintf("Mass deletion: %d records will be affected", count))
	}

	return domain.PreviewResult{
		OperationType: domain.OpDeleteRecords,
		Description:   fmt.Sprintf("Delete %d record(s) from table '%s'", count, tableID),
		AffectedCount: count,
		AffectedItems: rowsAsItems(rows),
		Warnings:      warnings,
		IsReversible:  false,
	}
}

// DeleteColumn previews removal of col from tableID.
func (p *Previewer) DeleteColumn(ctx context.Context, tableID string, col domain.Column) domain.PreviewResult {
	label := col.Label
	if label == "" {
		label = col.ID
	}

	withData := 0
	query := fmt.Sprintf("SELECT COUNT(*) AS count FROM %s WHERE %s IS NOT NULL", quoteIdent(tableID), quoteIdent(col.ID))
	rows, err := p.client.SQL(ctx, p.docID, query, nil)
	if err != nil {
		p.logger.Warn("preview: count column data failed", "table", tableID, "column", col.ID, "error", err)
	} else if len(rows) > 0 {
		if n, ok := toNumber(rows[0]["count"]); ok {
			withData = int(n)
		}
	}

	warnings := []string{
		irreversibleWarning,
		fmt.Sprintf("Column '%s' and ALL of its data will be permanently deleted", label),
	}
	if withData > 0 {
		warnings = append(warnings, fmt.Sprintf("%d record(s) contain data in this column", withData))
	}

	return domain.PreviewResult{
		OperationType: domain.OpDeleteColumn,
		Description:   fmt.Sprintf("Delete column '%s' from table '%s'", label, tableID),
		AffectedCount: withData,
		AffectedItems: []any{map[string]any{
			"table":             tableID,
			"column":            col.ID,
			"label":             label,
			"records_with_data": withData,
		}},
		Warnings:     warnings,
		IsReversible: false,
	}
}

// UpdateRecords previews overwriting ids with records (paired by position).
func (p *Previewer) UpdateRecords(ctx context.Context, tableID string, ids []int64, records []map[string]any) domain.PreviewResult {
	count := len(ids)
	current := p.fetchRows(ctx, tableID, ids)
	byID := make(map[int64]map[string]any, len(current))
	for _, row := range current {
		if id, ok := toNumber(row["id"]); ok {
			byID[int64(id)] = row
		}
	}

	items := make([]any, 0, min(count, PreviewSampleSize))
	for i := 0; i < count && i < len(records) && i < PreviewSampleSize; i++ {
		before := byID[ids[i]]
		if before == nil {
			before = map[string]any{}
		}
		after := make(map[string]any, len(before)+len(records[i]))
		for k, v := range before {
			after[k] = v
		}
		diffs := map[string][]DiffSpan{}
		for k, v := range records[i] {
			after[k] = v
			if oldText, ok := before[k].(string); ok {
				if newText, ok := v.(string); ok && oldText != newText {
					diffs[k] = TextDiff(oldText, newText)
				}
			}
		}
		item := map[string]any{
			"id":      ids[i],
			"before":  before,
			"after":   after,
			"changes": sortedKeys(records[i]),
		}
		if len(diffs) > 0 {
			item["diff"] = diffs
		}
		items = append(items, item)
	}

	warnings := []string{irreversibleWarning, "Current values will be overwritten"}
	if count > PreviewSampleSize {
		warnings = append(warnings, fmt.Sprintf("Mass update: %d records will be modified", count))
	}

	return domain.PreviewResult{
		OperationType: domain.OpUpdateRecords,
		Description:   fmt.Sprintf("Update %d record(s) in table '%s'", count, tableID),
		AffectedCount: count,
		AffectedItems: items,
		Warnings:      warnings,
		IsReversible:  false,
	}
}

// AddRecords previews a bulk insert.
func (p *Previewer) AddRecords(tableID string, records []map[string]any) domain.PreviewResult {
	count := len(records)
	items := make([]any, 0, min(count, PreviewSampleSize))
	for _, r := range records[:min(count, PreviewSampleSize)] {
		items = append(items, r)
	}
	return domain.PreviewResult{
		OperationType: domain.OpAddRecords,
		Description:   fmt.Sprintf("Add %d record(s) to table '%s'", count, tableID),
		AffectedCount: count,
		AffectedItems: items,
		Warnings:      []string{fmt.Sprintf("Bulk insert: %d records will be created", count)},
		IsReversible:  true,
	}
}

// UpdateColumnType previews a type change of col to newType.
func (p *Previewer) UpdateColumnType(tableID string, col domain.Column, newType string) domain.PreviewResult {
	oldType := col.Type
	warnings := []string{
		irreversibleWarning,
		fmt.Sprintf("Column type changes from '%s' to '%s'", oldType, newType),
		"Incompatible values may be lost or converted",
	}
	if lossyConversions[[2]string{col.BaseType(), baseType(newType)}] {
		warnings = append(warnings,
			fmt.Sprintf("POTENTIAL DATA LOSS: converting %s to %s can drop information", oldType, newType))
	}
	return domain.PreviewResult{
		OperationType: domain.OpUpdateColumnType,
		Description:   fmt.Sprintf("Change type of column '%s' from %s to %s", col.ID, oldType, newType),
		AffectedCount: 1,
		AffectedItems: []any{map[string]any{
			"table":    tableID,
			"column":   col.ID,
			"old_type": oldType,
			"new_type": newType,
		}},
		Warnings:     warnings,
		IsReversible: false,
	}
}

// fetchRows loads up to PreviewSampleSize rows by id.
func (p *Previewer) fetchRows(ctx context.Context, tableID string, ids []int64) []map[string]any {
	sample := ids[:min(len(ids), PreviewSampleSize)]
	if len(sample) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sample)), ",")
	query := fmt.Sprintf("SELECT * FROM %s WHERE id IN (%s)", quoteIdent(tableID), placeholders)
	args := make([]any, len(sample))
	for i, id := range sample {
		args[i] = id
	}
	rows, err := p.client.SQL(ctx, p.docID, query, args)
	if err != nil {
		p.logger.Warn("preview: fetch records failed", "table", tableID, "error", err)
		return nil
	}
	return rows
}

// DiffSpan is one segment of a character-level text diff.
type DiffSpan struct {
	Op   string `json:"op"`
	Text string `json:"text"`
}

// TextDiff returns the semantic diff between two cell values.
func TextDiff(before, after string) []DiffSpan {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(before, after, false))
	spans := make([]DiffSpan, 0, len(diffs))
	for _, d := range diffs {
		op := "equal"
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = "insert"
		case diffmatchpatch.DiffDelete:
			op = "delete"
		}
		spans = append(spans, DiffSpan{Op: op, Text: d.Text})
	}
	return spans
}

func rowsAsItems(rows []map[string]any) []any {
	items := make([]any, 0, len(rows))
	for _, r := range rows[:min(len(rows), PreviewSampleSize)] {
		items = append(items, r)
	}
	return items
}

func baseType(t string) string {
	return domain.Column{Type: t}.BaseType()
}

// quoteIdent quotes a SQLite identifier.
func quoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
