package store

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// queryExpectation scripts one QueryRow call. value is assigned to the single
// scan destination, or called when it is a scanFunc.
type queryExpectation struct {
	expect *regexp.Regexp
	args   []any
	value  any
	err    error
}

// execExpectation scripts one Exec call. tag defaults to "MOCK".
type execExpectation struct {
	expect *regexp.Regexp
	args   []any
	tag    string
	err    error
}

func (e execExpectation) commandTag() pgconn.CommandTag {
	if e.tag == "" {
		return pgconn.NewCommandTag("MOCK")
	}
	return pgconn.NewCommandTag(e.tag)
}

// scanFunc lets an expectation fill a multi-column row.
type scanFunc func(dest ...any) error

func popExec(script *[]execExpectation, sql string, args []any) (execExpectation, error) {
	if len(*script) == 0 {
		return execExpectation{}, fmt.Errorf("unexpected exec: %s", sql)
	}
	exp := (*script)[0]
	*script = (*script)[1:]
	if !exp.expect.MatchString(sql) {
		return execExpectation{}, fmt.Errorf("exec %q does not match %s", sql, exp.expect)
	}
	return exp, matchArgs(exp.args, args)
}

func popQuery(script *[]queryExpectation, sql string, args []any) (queryExpectation, error) {
	if len(*script) == 0 {
		return queryExpectation{}, fmt.Errorf("unexpected query: %s", sql)
	}
	exp := (*script)[0]
	*script = (*script)[1:]
	if !exp.expect.MatchString(sql) {
		return queryExpectation{}, fmt.Errorf("query %q does not match %s", sql, exp.expect)
	}
	return exp, matchArgs(exp.args, args)
}

// matchArgs compares scripted arguments; nil entries match anything and an
// empty script skips the check.
func matchArgs(expected, actual []any) error {
	if len(expected) == 0 {
		return nil
	}
	if len(expected) != len(actual) {
		return fmt.Errorf("expected %d arguments, got %d", len(expected), len(actual))
	}
	for i, exp := range expected {
		if exp != nil && exp != actual[i] {
			return fmt.Errorf("argument %d: expected %v, got %v", i, exp, actual[i])
		}
	}
	return nil
}

// mockPool implements PgxPool. Statements outside a transaction fail the test
// immediately.
type mockPool struct {
	t       *testing.T
	queries []queryExpectation
	execs   []execExpectation
	txs     []*mockTx
	txIdx   int
}

func (m *mockPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	exp, err := popQuery(&m.queries, sql, args)
	if err != nil {
		m.t.Fatal(err)
	}
	return mockRow{value: exp.value, err: exp.err}
}

func (m *mockPool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	exp, err := popExec(&m.execs, sql, args)
	if err != nil {
		m.t.Fatal(err)
	}
	return exp.commandTag(), exp.err
}

func (m *mockPool) BeginTx(ctx context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if m.txIdx >= len(m.txs) {
		m.t.Fatalf("unexpected transaction #%d", m.txIdx+1)
	}
	tx := m.txs[m.txIdx]
	m.txIdx++
	return tx, nil
}

func (m *mockPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	m.t.Fatalf("unexpected multi-row query: %s", sql)
	return nil, nil
}

func (m *mockPool) Ping(context.Context) error { return nil }

func (m *mockPool) assertDone() {
	m.t.Helper()
	if len(m.queries) != 0 || len(m.execs) != 0 {
		m.t.Fatalf("unconsumed statements: %d queries, %d execs", len(m.queries), len(m.execs))
	}
	if m.txIdx != len(m.txs) {
		m.t.Fatalf("expected %d transactions, got %d", len(m.txs), m.txIdx)
	}
}

type mockRow struct {
	value any
	err   error
}

func (m mockRow) Scan(dest ...any) error {
	if m.err != nil {
		return m.err
	}
	if fn, ok := m.value.(scanFunc); ok {
		return fn(dest...)
	}
	if len(dest) != 1 {
		return fmt.Errorf("unexpected dest count: %d", len(dest))
	}
	ptr := reflect.ValueOf(dest[0])
	val := reflect.ValueOf(m.value)
	if ptr.Kind() != reflect.Pointer || !val.IsValid() || !val.Type().AssignableTo(ptr.Elem().Type()) {
		return fmt.Errorf("cannot scan %T into %T", m.value, dest[0])
	}
	ptr.Elem().Set(val)
	return nil
}

// mockTx scripts a transaction. Mismatches surface as returned errors so the
// code under test exercises its rollback path. Methods the store never calls
// fall through to the nil embedded Tx.
type mockTx struct {
	pgx.Tx
	execs     []execExpectation
	queries   []queryExpectation
	committed bool
	rolled    bool
}

func (m *mockTx) Commit(context.Context) error {
	m.committed = true
	return nil
}

func (m *mockTx) Rollback(context.Context) error {
	if !m.committed {
		m.rolled = true
	}
	return nil
}

func (m *mockTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	exp, err := popExec(&m.execs, sql, args)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return exp.commandTag(), exp.err
}

func (m *mockTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	exp, err := popQuery(&m.queries, sql, args)
	if err != nil {
		return mockRow{err: err}
	}
	return mockRow{value: exp.value, err: exp.err}
}

func (m *mockTx) assertDone() {
	if len(m.execs) != 0 || len(m.queries) != 0 {
		panic(fmt.Sprintf("unconsumed tx statements: %d execs, %d queries", len(m.execs), len(m.queries)))
	}
	if !m.committed && !m.rolled {
		panic("transaction not finished")
	}
}
