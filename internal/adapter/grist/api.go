package grist

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"grist-agent/internal/domain"
)

var _ domain.GristClient = (*Client)(nil)

type tableWire struct {
	ID string `json:"id"`
}

type columnWire struct {
	ID     string `json:"id"`
	Fields struct {
		Label         string          `json:"label"`
		Type          string          `json:"type"`
		WidgetOptions json.RawMessage `json:"widgetOptions"`
		IsFormula     bool            `json:"isFormula"`
		Formula       string          `json:"formula"`
	} `json:"fields"`
}

type recordWire struct {
	ID     int64          `json:"id,omitempty"`
	Fields map[string]any `json:"fields"`
}

type columnSpecWire struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// ListTables implements domain.GristClient.
func (c *Client) ListTables(ctx context.Context, docID string) ([]string, error) {
	var resp struct {
		Tables []tableWire `json:"tables"`
	}
	err := c.do(ctx, call{op: "ListTables", method: http.MethodGet, path: docPath(docID, "tables")}, &resp)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(resp.Tables))
	for i, t := range resp.Tables {
		ids[i] = t.ID
	}
	return ids, nil
}

// ListColumns implements domain.GristClient.
func (c *Client) ListColumns(ctx context.Context, docID, tableID string) ([]domain.Column, error) {
	var resp struct {
		Columns []columnWire `json:"columns"`
	}
	err := c.do(ctx, call{
		op:      "ListColumns",
		method:  http.MethodGet,
		path:    docPath(docID, "tables", tableID, "columns"),
		tableID: tableID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	cols := make([]domain.Column, len(resp.Columns))
	for i, w := range resp.Columns {
		cols[i] = parseColumn(w)
	}
	return cols, nil
}

func parseColumn(w columnWire) domain.Column {
	col := domain.Column{
		ID:        w.ID,
		Label:     w.Fields.Label,
		Type:      w.Fields.Type,
		IsFormula: w.Fields.IsFormula,
		Formula:   w.Fields.Formula,
	}
	if base, target, ok := strings.Cut(col.Type, ":"); ok && (base == domain.ColRef || base == domain.ColRefList) {
		col.IsReference = true
		col.RefTable = target
	}
	col.Choices = parseChoices(w.Fields.WidgetOptions)
	return col
}

// parseChoices reads widgetOptions, which Grist returns as a JSON-encoded string.
// A plain object is accepted too.
func parseChoices(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			return nil
		}
		raw = json.RawMessage(s)
	}
	var opts struct {
		Choices []string `json:"choices"`
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil
	}
	return opts.Choices
}

// FetchRecords implements domain.GristClient. A non-positive limit fetches all rows.
func (c *Client) FetchRecords(ctx context.Context, docID, tableID string, limit int) ([]domain.Record, error) {
	var resp struct {
		Records []recordWire `json:"records"`
	}
	err := c.do(ctx, call{
		op:      "FetchRecords",
		method:  http.MethodGet,
		path:    docPath(docID, "tables", tableID, "records"),
		query:   limitQuery(limit),
		tableID: tableID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Record, len(resp.Records))
	for i, r := range resp.Records {
		out[i] = domain.Record{ID: r.ID, Fields: r.Fields}
	}
	return out, nil
}

// AddRecords implements domain.GristClient.
func (c *Client) AddRecords(ctx context.Context, docID, tableID string, records []map[string]any) ([]int64, error) {
	payload := make([]recordWire, len(records))
	for i, r := range records {
		payload[i] = recordWire{Fields: r}
	}
	var resp struct {
		Records []struct {
			ID int64 `json:"id"`
		} `json:"records"`
	}
	err := c.do(ctx, call{
		op:      "AddRecords",
		method:  http.MethodPost,
		path:    docPath(docID, "tables", tableID, "records"),
		body:    map[string]any{"records": payload},
		tableID: tableID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(resp.Records))
	for i, r := range resp.Records {
		ids[i] = r.ID
	}
	return ids, nil
}

// UpdateRecords implements domain.GristClient.
func (c *Client) UpdateRecords(ctx context.Context, docID, tableID string, records []domain.Record) error {
	payload := make([]recordWire, len(records))
	ids := make([]int64, len(records))
	for i, r := range records {
		payload[i] = recordWire{ID: r.ID, Fields: r.Fields}
		ids[i] = r.ID
	}
	return c.do(ctx, call{
		op:      "UpdateRecords",
		method:  http.MethodPatch,
		path:    docPath(docID, "tables", tableID, "records"),
		body:    map[string]any{"records": payload},
		tableID: tableID,
		ids:     ids,
	}, nil)
}

// DeleteRecords implements domain.GristClient.
func (c *Client) DeleteRecords(ctx context.Context, docID, tableID string, ids []int64) error {
	return c.do(ctx, call{
		op:      "DeleteRecords",
		method:  http.MethodPost,
		path:    docPath(docID, "tables", tableID, "data", "delete"),
		body:    ids,
		tableID: tableID,
		ids:     ids,
	}, nil)
}

// SQL implements domain.GristClient.
func (c *Client) SQL(ctx context.Context, docID, query string, args []any) ([]map[string]any, error) {
	body := map[string]any{"sql": query}
	if len(args) > 0 {
		body["args"] = args
	}
	var resp struct {
		Records []recordWire `json:"records"`
	}
	err := c.do(ctx, call{
		op:     "SQL",
		method: http.MethodPost,
		path:   docPath(docID, "sql"),
		body:   body,
		sql:    query,
	}, &resp)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, len(resp.Records))
	for i, r := range resp.Records {
		rows[i] = r.Fields
	}
	return rows, nil
}

// AddTable implements domain.GristClient and returns the id Grist assigned.
func (c *Client) AddTable(ctx context.Context, docID, tableID string, columns []domain.ColumnSpec) (string, error) {
	cols := make([]columnSpecWire, len(columns))
	for i, spec := range columns {
		cols[i] = columnSpecWire{ID: spec.ID, Fields: columnFields(spec)}
	}
	var resp struct {
		Tables []tableWire `json:"tables"`
	}
	err := c.do(ctx, call{
		op:     "AddTable",
		method: http.MethodPost,
		path:   docPath(docID, "tables"),
		body: map[string]any{"tables": []map[string]any{
			{"id": tableID, "columns": cols},
		}},
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Tables) > 0 && resp.Tables[0].ID != "" {
		return resp.Tables[0].ID, nil
	}
	return tableID, nil
}

// AddColumn implements domain.GristClient.
func (c *Client) AddColumn(ctx context.Context, docID, tableID string, col domain.ColumnSpec) error {
	return c.columns(ctx, "AddColumn", http.MethodPost, docID, tableID, col)
}

// UpdateColumn implements domain.GristClient.
func (c *Client) UpdateColumn(ctx context.Context, docID, tableID string, col domain.ColumnSpec) error {
	return c.columns(ctx, "UpdateColumn", http.MethodPatch, docID, tableID, col)
}

func (c *Client) columns(ctx context.Context, op, method, docID, tableID string, col domain.ColumnSpec) error {
	return c.do(ctx, call{
		op:      op,
		method:  method,
		path:    docPath(docID, "tables", tableID, "columns"),
		body:    map[string]any{"columns": []columnSpecWire{{ID: col.ID, Fields: columnFields(col)}}},
		tableID: tableID,
	}, nil)
}

// DeleteColumn implements domain.GristClient.
func (c *Client) DeleteColumn(ctx context.Context, docID, tableID, columnID string) error {
	return c.do(ctx, call{
		op:      "DeleteColumn",
		method:  http.MethodDelete,
		path:    docPath(docID, "tables", tableID, "columns", columnID),
		tableID: tableID,
		colID:   columnID,
	}, nil)
}

// columnFields builds the "fields" object of a column payload, omitting unset values.
func columnFields(spec domain.ColumnSpec) map[string]any {
	fields := map[string]any{}
	if spec.Label != "" {
		fields["label"] = spec.Label
	}
	if spec.Type != "" {
		fields["type"] = spec.Type
	}
	if spec.Formula != "" {
		fields["formula"] = spec.Formula
	}
	if spec.IsFormula != nil {
		fields["isFormula"] = *spec.IsFormula
	}
	if spec.WidgetOptions != nil {
		if raw, err := json.Marshal(spec.WidgetOptions); err == nil {
			fields["widgetOptions"] = string(raw)
		}
	}
	return fields
}
