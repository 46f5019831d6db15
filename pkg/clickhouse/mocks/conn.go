package mocks

import (
	"context"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/mock"
)

// MockConn mocks the driver.Conn calls the client and repositories make.
// Any other driver.Conn method panics through the nil embedded interface.
type MockConn struct {
	mock.Mock
	driver.Conn
}

func (m *MockConn) called(ctx context.Context, method, query string, args []any) mock.Arguments {
	return m.MethodCalled(method, append([]any{ctx, query}, args...)...)
}

func (m *MockConn) Exec(ctx context.Context, query string, args ...any) error {
	return m.called(ctx, "Exec", query, args).Error(0)
}

func (m *MockConn) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	res := m.called(ctx, "Query", query, args)
	rows, _ := res.Get(0).(driver.Rows)
	return rows, res.Error(1)
}

func (m *MockConn) QueryRow(ctx context.Context, query string, args ...any) driver.Row {
	row, _ := m.called(ctx, "QueryRow", query, args).Get(0).(driver.Row)
	return row
}

func (m *MockConn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	args := make([]any, 0, len(opts))
	for _, opt := range opts {
		args = append(args, opt)
	}
	res := m.called(ctx, "PrepareBatch", query, args)
	batch, _ := res.Get(0).(driver.Batch)
	return batch, res.Error(1)
}

func (m *MockConn) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockConn) Close() error {
	return m.Called().Error(0)
}
