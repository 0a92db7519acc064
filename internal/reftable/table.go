package reftable

import (
	"errors"
	"sort"
	"strings"

	"github.com/kjstillabower/pollen-risk-service/internal/models"
)

var (
	// ErrNoSuburbColumn is returned when the source has no suburb name column.
	ErrNoSuburbColumn = errors.New("reference table has no suburb column")
	// ErrNoValueColumns is returned when neither coordinates nor a density column exist.
	ErrNoValueColumns = errors.New("reference table needs latitude+longitude or local_density_score")
	// ErrEmptyTable is returned when the source contains no data rows.
	ErrEmptyTable = errors.New("reference table is empty")
)

// Table is an immutable suburb lookup built once at startup.
type Table struct {
	records    map[string]models.SuburbRecord
	duplicates int
}

// Normalize trims surrounding whitespace and lowercases a suburb name.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// newTable builds a Table from rows in source order. The first row wins on duplicate names.
func newTable(rows []models.SuburbRecord) (*Table, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyTable
	}
	t := &Table{records: make(map[string]models.SuburbRecord, len(rows))}
	for _, r := range rows {
		r.Name = Normalize(r.Name)
		if r.Name == "" {
			continue
		}
		if _, ok := t.records[r.Name]; ok {
			t.duplicates++
			continue
		}
		t.records[r.Name] = r
	}
	if len(t.records) == 0 {
		return nil, ErrEmptyTable
	}
	return t, nil
}

// Lookup returns the record for name after normalization.
func (t *Table) Lookup(name string) (models.SuburbRecord, bool) {
	r, ok := t.records[Normalize(name)]
	return r, ok
}

// Len returns the number of distinct suburbs.
func (t *Table) Len() int {
	return len(t.records)
}

// Duplicates returns how many rows were skipped because their normalized name repeated.
func (t *Table) Duplicates() int {
	return t.duplicates
}

// Names returns the normalized suburb names in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.records))
	for n := range t.records {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
