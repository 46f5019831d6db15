package testutils

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Rows is an in-memory driver.Rows. Each record is scanned positionally into
// the destination pointers; values must be assignable to the pointed-to type.
type Rows struct {
	Records [][]any
	ScanErr error
	IterErr error

	pos    int
	closed bool
}

var _ driver.Rows = (*Rows)(nil)

// NewRows builds Rows from records.
func NewRows(records ...[]any) *Rows {
	return &Rows{Records: records}
}

func (r *Rows) Next() bool {
	if r.closed || r.pos >= len(r.Records) {
		return false
	}
	r.pos++
	return true
}

func (r *Rows) Scan(dest ...any) error {
	if r.ScanErr != nil {
		return r.ScanErr
	}
	if r.pos == 0 {
		return errors.New("scan called before next")
	}
	return assign(r.Records[r.pos-1], dest)
}

func (r *Rows) ScanStruct(any) error {
	return errors.New("ScanStruct not supported")
}

func (r *Rows) ColumnTypes() []driver.ColumnType { return nil }

func (r *Rows) Totals(...any) error { return nil }

func (r *Rows) Columns() []string { return nil }

func (r *Rows) Close() error {
	r.closed = true
	return nil
}

func (r *Rows) Err() error { return r.IterErr }

// Closed reports whether Close was called.
func (r *Rows) Closed() bool { return r.closed }

// Row is an in-memory driver.Row.
type Row struct {
	Values []any
	ErrVal error
}

var _ driver.Row = Row{}

func (r Row) Err() error { return r.ErrVal }

func (r Row) Scan(dest ...any) error {
	if r.ErrVal != nil {
		return r.ErrVal
	}
	return assign(r.Values, dest)
}

func (r Row) ScanStruct(any) error {
	return errors.New("ScanStruct not supported")
}

func assign(values []any, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("record has %d values, scan wants %d", len(values), len(dest))
	}
	for i, d := range dest {
		dv := reflect.ValueOf(d)
		if dv.Kind() != reflect.Pointer || dv.IsNil() {
			return fmt.Errorf("dest %d is not a non-nil pointer", i)
		}
		v := reflect.ValueOf(values[i])
		target := dv.Elem()
		if !v.IsValid() {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		if !v.Type().AssignableTo(target.Type()) {
			return fmt.Errorf("dest %d: cannot assign %s to %s", i, v.Type(), target.Type())
		}
		target.Set(v)
	}
	return nil
}
