package document

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"grist-agent/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGrist is an in-memory document that records every call.
type fakeGrist struct {
	mu      sync.Mutex
	tables  []string
	columns map[string][]domain.Column
	rows    map[string][]domain.Record
	nextID  int64

	sqlRows []map[string]any
	sqlErr  error
	calls   []string
	queries []string
}

func newFakeGrist() *fakeGrist {
	f := &fakeGrist{
		tables: []string{"Projects", "People"},
		columns: map[string][]domain.Column{
			"Projects": {
				{ID: "Name", Label: "Project name", Type: domain.ColText},
				{ID: "Budget", Type: domain.ColNumeric},
				{ID: "Status", Type: domain.ColChoice, Choices: []string{"Open", "Closed"}},
				{ID: "Owner", Type: "Ref:People", IsReference: true, RefTable: "People"},
			},
			"People": {{ID: "Name", Type: domain.ColText}},
		},
		rows:   map[string][]domain.Record{},
		nextID: 1,
	}
	for i := 0; i < 50; i++ {
		f.rows["Projects"] = append(f.rows["Projects"], domain.Record{
			ID:     f.nextID,
			Fields: map[string]any{"Name": fmt.Sprintf("P%d", f.nextID), "Budget": float64(1000 * f.nextID)},
		})
		f.nextID++
	}
	return f
}

func (f *fakeGrist) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeGrist) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeGrist) rowCount(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows[table])
}

func (f *fakeGrist) ListTables(_ context.Context, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListTables")
	return slices.Clone(f.tables), nil
}

func (f *fakeGrist) ListColumns(_ context.Context, _, tableID string) ([]domain.Column, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListColumns")
	cols, ok := f.columns[tableID]
	if !ok {
		return nil, domain.NewTableNotFound(tableID, nil)
	}
	return slices.Clone(cols), nil
}

func (f *fakeGrist) FetchRecords(_ context.Context, _, tableID string, limit int) ([]domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("FetchRecords")
	rows := f.rows[tableID]
	return slices.Clone(rows[:min(limit, len(rows))]), nil
}

func (f *fakeGrist) AddRecords(_ context.Context, _, tableID string, records []map[string]any) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AddRecords")
	ids := make([]int64, len(records))
	for i, r := range records {
		ids[i] = f.nextID
		f.rows[tableID] = append(f.rows[tableID], domain.Record{ID: f.nextID, Fields: r})
		f.nextID++
	}
	return ids, nil
}

func (f *fakeGrist) UpdateRecords(_ context.Context, _, tableID string, records []domain.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UpdateRecords")
	for _, upd := range records {
		for i, r := range f.rows[tableID] {
			if r.ID == upd.ID {
				for k, v := range upd.Fields {
					f.rows[tableID][i].Fields[k] = v
				}
			}
		}
	}
	return nil
}

func (f *fakeGrist) DeleteRecords(_ context.Context, _, tableID string, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteRecords")
	f.rows[tableID] = slices.DeleteFunc(f.rows[tableID], func(r domain.Record) bool {
		return slices.Contains(ids, r.ID)
	})
	return nil
}

func (f *fakeGrist) SQL(_ context.Context, _, query string, args []any) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SQL")
	f.queries = append(f.queries, query)
	if f.sqlErr != nil {
		return nil, f.sqlErr
	}
	if f.sqlRows != nil {
		return f.sqlRows, nil
	}
	if strings.Contains(query, "WHERE id IN") {
		var out []map[string]any
		for _, r := range f.rows["Projects"] {
			for _, a := range args {
				if a == r.ID {
					row := map[string]any{"id": float64(r.ID)}
					for k, v := range r.Fields {
						row[k] = v
					}
					out = append(out, row)
				}
			}
		}
		return out, nil
	}
	return nil, nil
}

func (f *fakeGrist) AddTable(_ context.Context, _, tableID string, _ []domain.ColumnSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AddTable")
	f.tables = append(f.tables, tableID)
	return tableID, nil
}

func (f *fakeGrist) AddColumn(_ context.Context, _, tableID string, col domain.ColumnSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AddColumn")
	f.columns[tableID] = append(f.columns[tableID], domain.Column{ID: col.ID, Type: col.Type})
	return nil
}

func (f *fakeGrist) UpdateColumn(_ context.Context, _, _ string, _ domain.ColumnSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UpdateColumn")
	return nil
}

func (f *fakeGrist) DeleteColumn(_ context.Context, _, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteColumn")
	return nil
}

// fakeConfirmer hands out sequential tokens and remembers the operations.
type fakeConfirmer struct {
	ops []domain.PendingOperation
}

func (c *fakeConfirmer) Request(_ context.Context, op domain.PendingOperation, preview domain.PreviewResult) (*domain.ConfirmationRequest, error) {
	c.ops = append(c.ops, op)
	return &domain.ConfirmationRequest{
		ID:        fmt.Sprintf("conf_%d", len(c.ops)),
		Operation: op,
		Preview:   preview,
	}, nil
}
