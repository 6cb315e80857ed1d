package groupdirectory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-oauth2/internal/pgtest"
	"github.com/tendant/simple-oauth2/pkg/resourceserver"
)

func TestInMemory(t *testing.T) {
	ctx := context.Background()
	d := NewInMemory()
	require.NoError(t, d.Add("be_groups", Group{ID: 5, Title: "Editors", AccessLevels: []resourceserver.AccessLevel{30, 40}}))
	require.NoError(t, d.Add("be_groups", Group{ID: 2, Title: "Readers", AccessLevels: []resourceserver.AccessLevel{20, 30}}))
	require.NoError(t, d.Add("be_groups", Group{ID: 9, Title: "Old", AccessLevels: []resourceserver.AccessLevel{30}, Deleted: true}))
	require.NoError(t, d.Add("fe_groups", Group{ID: 1, Title: "Members", AccessLevels: []resourceserver.AccessLevel{30}}))

	tests := []struct {
		name  string
		table string
		level resourceserver.AccessLevel
		want  []int64
	}{
		{"several groups", "be_groups", resourceserver.Developer, []int64{2, 5}},
		{"single group", "be_groups", resourceserver.Maintainer, []int64{5}},
		{"no group", "be_groups", resourceserver.Owner, nil},
		{"frontend table", "fe_groups", resourceserver.Developer, []int64{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := d.GroupsForAccessLevel(ctx, tt.table, tt.level)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids)
		})
	}

	_, err := d.GroupsForAccessLevel(ctx, "be_users", resourceserver.Developer)
	assert.ErrorIs(t, err, ErrUnknownTable)
	assert.ErrorIs(t, d.Add("pages", Group{ID: 1}), ErrUnknownTable)
}

func TestPostgres(t *testing.T) {
	pool, cleanup := pgtest.Setup(t)
	defer cleanup()
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		INSERT INTO be_groups (uid, title, access_levels, deleted) VALUES
			(5, 'Editors', '{30,40}', false),
			(2, 'Readers', '{20,30}', false),
			(9, 'Old', '{30}', true)
	`)
	require.NoError(t, err)

	d := NewPostgres(pool)
	ids, err := d.GroupsForAccessLevel(ctx, "be_groups", resourceserver.Developer)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 5}, ids)

	ids, err = d.GroupsForAccessLevel(ctx, "fe_groups", resourceserver.Developer)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = d.GroupsForAccessLevel(ctx, "be_users; DROP TABLE be_users", resourceserver.Developer)
	assert.ErrorIs(t, err, ErrUnknownTable)
}
