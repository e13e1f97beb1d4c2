package track

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/obmen/internal/record"
	"github.com/roach88/obmen/internal/rules"
	"github.com/roach88/obmen/internal/store"
)

func setup(t *testing.T) (*Tracker, *store.Store, record.Store, int64) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "obmen.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rs := &rules.RuleSet{
		UUID: "11111111-0000-0000-0000-000000000001",
		Rules: []*rules.ConversionRule{
			{Code: "Партнеры", SourceType: "СправочникСсылка.resPartner"},
		},
		ExportRules: []*rules.ExportRule{
			{Code: "В1", Model: "res.partner", RuleCode: "Партнеры"},
		},
	}
	require.NoError(t, st.SaveRuleSet(context.Background(), rs))

	reg := record.NewRegistry()
	reg.Register(record.Schema{
		Model: "res.partner",
		Fields: map[string]record.Field{
			"name": {Name: "name", Kind: record.KindString},
		},
	})
	reg.Register(record.Schema{
		Model: "res.currency",
		Fields: map[string]record.Field{
			"name": {Name: "name", Kind: record.KindString},
		},
	})

	tracker := New(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	tracked := tracker.Wrap(record.NewMemStore(reg))
	return tracker, st, tracked, rs.ID
}

func TestCreateAndUpdateMark(t *testing.T) {
	ctx := context.Background()
	_, st, tracked, setID := setup(t)

	id, err := tracked.Create(ctx, "res.partner", map[string]any{"name": "Acme"})
	require.NoError(t, err)

	markers, err := st.Markers(ctx, setID)
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, int64(id), markers[0].ResID)

	// Updating the same record does not add a second marker.
	require.NoError(t, tracked.Update(ctx, "res.partner", id, map[string]any{"name": "Acme Inc"}))
	markers, err = st.Markers(ctx, setID)
	require.NoError(t, err)
	assert.Len(t, markers, 1)
}

func TestUntrackedModelNotMarked(t *testing.T) {
	ctx := context.Background()
	_, st, tracked, setID := setup(t)

	_, err := tracked.Create(ctx, "res.currency", map[string]any{"name": "UAH"})
	require.NoError(t, err)

	n, err := st.MarkerCount(ctx, setID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnlinkNotMarked(t *testing.T) {
	ctx := context.Background()
	_, st, tracked, setID := setup(t)

	id, err := tracked.Create(ctx, "res.partner", map[string]any{"name": "Acme"})
	require.NoError(t, err)
	markers, err := st.Markers(ctx, setID)
	require.NoError(t, err)
	require.NoError(t, st.ConsumeMarkers(ctx, markers))

	require.NoError(t, tracked.Unlink(ctx, "res.partner", id))

	n, err := st.MarkerCount(ctx, setID)
	require.NoError(t, err)
	assert.Zero(t, n, "deletions do not propagate")
}

func TestSuppressedContext(t *testing.T) {
	ctx := WithSuppressed(context.Background())
	_, st, tracked, setID := setup(t)

	_, err := tracked.Create(ctx, "res.partner", map[string]any{"name": "Acme"})
	require.NoError(t, err)

	n, err := st.MarkerCount(ctx, setID)
	require.NoError(t, err)
	assert.Zero(t, n, "import writes are not re-marked")
}
