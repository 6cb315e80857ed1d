// Package groupdirectory answers which local user groups are granted for a
// provider access level. Groups are tagged with the levels they apply to.
package groupdirectory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/tendant/simple-oauth2/pkg/resourceserver"
)

// ErrUnknownTable is returned for a table outside the user group tables.
var ErrUnknownTable = errors.New("unknown group table")

var groupTables = []string{
	resourceserver.ModeBackend.GroupTable(),
	resourceserver.ModeFrontend.GroupTable(),
}

func checkTable(table string) error {
	if !slices.Contains(groupTables, table) {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return nil
}

// Group is a local user group.
type Group struct {
	ID           int64
	Title        string
	AccessLevels []resourceserver.AccessLevel
	Deleted      bool
}

// InMemory is a GroupDirectory over a fixed set of groups.
type InMemory struct {
	mu     sync.RWMutex
	groups map[string][]Group
}

// NewInMemory creates an empty directory.
func NewInMemory() *InMemory {
	return &InMemory{groups: make(map[string][]Group)}
}

// Add stores a group in table.
func (d *InMemory) Add(table string, g Group) error {
	if err := checkTable(table); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups[table] = append(d.groups[table], g)
	return nil
}

// GroupsForAccessLevel implements resourceserver.GroupDirectory. Ids are
// returned in ascending order.
func (d *InMemory) GroupsForAccessLevel(_ context.Context, table string, level resourceserver.AccessLevel) ([]int64, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []int64
	for _, g := range d.groups[table] {
		if !g.Deleted && slices.Contains(g.AccessLevels, level) {
			ids = append(ids, g.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Querier is the pgx subset the Postgres directory needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres reads the be_groups / fe_groups tables.
type Postgres struct {
	db Querier
}

// NewPostgres creates a Postgres-backed directory.
func NewPostgres(db Querier) *Postgres {
	return &Postgres{db: db}
}

// GroupsForAccessLevel implements resourceserver.GroupDirectory.
func (d *Postgres) GroupsForAccessLevel(ctx context.Context, table string, level resourceserver.AccessLevel) ([]int64, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	// table is one of the fixed names above
	query := `SELECT uid FROM ` + table + ` WHERE $1 = ANY(access_levels) AND deleted = false ORDER BY uid`

	rows, err := d.db.Query(ctx, query, int(level))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	return ids, nil
}
