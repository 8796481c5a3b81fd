package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/redb-cdc/internal/stores/memory"
	"github.com/redbco/redb-cdc/pkg/cdc"
)

func usersRelation() *pglogrepl.RelationMessage {
	return &pglogrepl.RelationMessage{
		RelationID:   1001,
		Namespace:    "public",
		RelationName: "users",
		Columns: []*pglogrepl.RelationMessageColumn{
			{Name: "id"},
			{Name: "name"},
			{Name: "bio"},
		},
	}
}

func TestTupleToMap(t *testing.T) {
	rel := usersRelation()
	tuple := &pglogrepl.TupleData{
		Columns: []*pglogrepl.TupleDataColumn{
			{DataType: pglogrepl.TupleDataTypeText, Data: []byte("1")},
			{DataType: pglogrepl.TupleDataTypeNull},
			{DataType: pglogrepl.TupleDataTypeToast},
		},
	}

	row := tupleToMap(rel, tuple)
	require.NotNil(t, row)
	assert.Equal(t, "1", row["id"])
	val, present := row["name"]
	assert.True(t, present)
	assert.Nil(t, val)
	_, present = row["bio"]
	assert.False(t, present, "unchanged TOAST columns are omitted")
}

func TestTupleToMapNilTuple(t *testing.T) {
	assert.Nil(t, tupleToMap(usersRelation(), nil))
}

func TestRelationCache(t *testing.T) {
	cache := newRelationCache()
	_, ok := cache.get(1001)
	assert.False(t, ok)

	cache.put(usersRelation())
	rel, ok := cache.get(1001)
	require.True(t, ok)
	assert.Equal(t, "users", rel.RelationName)
}

func TestNewValidatesConfig(t *testing.T) {
	deps := cdc.AdapterDeps{Offsets: memory.NewOffsetStore()}

	_, err := New(cdc.AdapterConfig{Source: "src-A"}, deps)
	assert.ErrorIs(t, err, cdc.ErrInvalidConfiguration)

	_, err = New(cdc.AdapterConfig{DSN: "postgres://localhost/db"}, deps)
	assert.ErrorIs(t, err, cdc.ErrInvalidConfiguration)

	_, err = New(cdc.AdapterConfig{
		DSN:     "postgres://localhost/db",
		Source:  "src-A",
		Options: map[string]string{"slot": "not a slot!"},
	}, deps)
	assert.ErrorIs(t, err, cdc.ErrInvalidConfiguration)
}

func TestDefaultSlotAndPublicationNames(t *testing.T) {
	deps := cdc.AdapterDeps{Offsets: memory.NewOffsetStore()}
	adapter, err := New(cdc.AdapterConfig{DSN: "postgres://localhost/db", Source: "src-A"}, deps)
	require.NoError(t, err)

	pg := adapter.(*Adapter)
	assert.Equal(t, "redb_cdc_src_a", pg.slot)
	assert.Equal(t, "redb_cdc_pub_src_a", pg.publication)
	assert.Equal(t, "postgres", pg.Name())
	assert.Equal(t, "src-A", pg.Source())
}

func TestSetOffsetAdvancesFlushPosition(t *testing.T) {
	offsets := memory.NewOffsetStore()
	adapter, err := New(cdc.AdapterConfig{DSN: "postgres://localhost/db", Source: "src-A"}, cdc.AdapterDeps{Offsets: offsets})
	require.NoError(t, err)
	pg := adapter.(*Adapter)

	ctx := context.Background()
	require.NoError(t, pg.SetOffset(ctx, "0/16B3748"))
	offset, err := pg.GetCurrentOffset(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0/16B3748", offset)

	// A lower LSN never moves the flush position backwards.
	earlier, _ := pglogrepl.ParseLSN("0/100")
	require.NoError(t, pg.SetOffset(ctx, earlier.String()))
	current, _ := pglogrepl.ParseLSN("0/16B3748")
	assert.Equal(t, current, pg.flushLSN)

	assert.ErrorIs(t, pg.SetOffset(ctx, "not-an-lsn"), cdc.ErrInvalidConfiguration)
}

func TestQuoteQualified(t *testing.T) {
	got, err := quoteQualified("public.users")
	require.NoError(t, err)
	assert.Equal(t, `"public"."users"`, got)

	got, err = quoteQualified("users")
	require.NoError(t, err)
	assert.Equal(t, `"users"`, got)

	_, err = quoteQualified("a.b.c")
	assert.ErrorIs(t, err, cdc.ErrInvalidConfiguration)
}

func TestSanitizeIdent(t *testing.T) {
	assert.Equal(t, "src_a", sanitizeIdent("src-A"))
	assert.Equal(t, "s1abc", sanitizeIdent("1abc"))
	assert.Equal(t, "s", sanitizeIdent(""))
}
