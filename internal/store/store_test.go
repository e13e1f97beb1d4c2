package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/obmen/internal/rules"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "obmen.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRuleSet() *rules.RuleSet {
	partner := &rules.ConversionRule{
		Code:       "Партнеры",
		Name:       "Партнеры",
		SourceType: "СправочникСсылка.resPartner",
		TargetType: "СправочникСсылка.Контрагенты",
		SyncByUUID: true,
		Lines: []*rules.RuleLine{
			{Code: "1", SourceName: "name", TargetName: "Наименование", Search: true},
			{Code: "2", SourceName: "children", TargetName: "КонтактныеЛица", IsGroup: true,
				Children: []*rules.RuleLine{
					{Code: "3", SourceName: "name", TargetName: "Имя"},
				}},
		},
	}
	return &rules.RuleSet{
		UUID:       "11111111-2222-3333-4444-555555555555",
		Name:       "Тест",
		SourceName: "obmen",
		TargetName: "УправлениеТорговлей",
		Rules:      []*rules.ConversionRule{partner},
		ExportRules: []*rules.ExportRule{
			{Code: "В1", Model: "res.partner", RuleCode: "Партнеры", Rule: partner},
		},
	}
}

func TestOpenIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obmen.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestSaveLoadRuleSet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rs := testRuleSet()
	require.NoError(t, s.SaveRuleSet(ctx, rs))
	require.NotZero(t, rs.ID)

	got, err := s.LoadRuleSet(ctx, rs.UUID)
	require.NoError(t, err)
	assert.Equal(t, "Тест", got.Name)
	require.Len(t, got.Rules, 1)

	r := got.Rules[0]
	assert.Equal(t, "Партнеры", r.Code)
	assert.True(t, r.SyncByUUID)
	require.Len(t, r.Lines, 2)
	assert.True(t, r.Lines[0].Search)

	group := r.Lines[1]
	require.True(t, group.IsGroup)
	require.Len(t, group.Children, 1)
	assert.Equal(t, "Имя", group.Children[0].TargetName)

	require.Len(t, got.ExportRules, 1)
	assert.Same(t, r, got.ExportRules[0].Rule, "export rule re-links to the loaded rule")
}

func TestReloadDisablesMissingRules(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rs := testRuleSet()
	rs.Rules = append(rs.Rules, &rules.ConversionRule{Code: "Старое"})
	require.NoError(t, s.SaveRuleSet(ctx, rs))

	// Second load of the same conversion no longer carries "Старое".
	again := testRuleSet()
	require.NoError(t, s.SaveRuleSet(ctx, again))

	got, err := s.LoadRuleSet(ctx, again.UUID)
	require.NoError(t, err)

	byCode := map[string]*rules.ConversionRule{}
	for _, r := range got.Rules {
		byCode[r.Code] = r
	}
	require.Contains(t, byCode, "Старое")
	assert.True(t, byCode["Старое"].Disabled, "rules missing from the new file stay, disabled")
	assert.False(t, byCode["Партнеры"].Disabled)
}

func TestLoadRuleSetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LoadRuleSet(context.Background(), "no-such-uuid")
	assert.ErrorIs(t, err, ErrRuleSetNotFound)
}

func TestMarkersIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rs := testRuleSet()
	require.NoError(t, s.SaveRuleSet(ctx, rs))

	require.NoError(t, s.Mark(ctx, rs.ID, "res.partner", 7))
	require.NoError(t, s.Mark(ctx, rs.ID, "res.partner", 7))
	require.NoError(t, s.Mark(ctx, rs.ID, "res.partner", 8))

	markers, err := s.Markers(ctx, rs.ID)
	require.NoError(t, err)
	require.Len(t, markers, 2)
	assert.Equal(t, int64(7), markers[0].ResID)
	assert.Equal(t, int64(8), markers[1].ResID)

	require.NoError(t, s.ConsumeMarkers(ctx, markers[:1]))
	n, err := s.MarkerCount(ctx, rs.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRuleSetIDsForModel(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rs := testRuleSet()
	require.NoError(t, s.SaveRuleSet(ctx, rs))

	ids, err := s.RuleSetIDsForModel(ctx, "res.partner")
	require.NoError(t, err)
	assert.Equal(t, []int64{rs.ID}, ids)

	ids, err = s.RuleSetIDsForModel(ctx, "product.product")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestLinks(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.InsertLink(ctx, Link{UUID: "u-1", Model: "res.partner", ResID: 7})
	require.NoError(t, err)
	require.NotZero(t, id)

	// Duplicate insert is a no-op.
	_, err = s.InsertLink(ctx, Link{UUID: "u-1", Model: "res.partner", ResID: 7})
	require.NoError(t, err)

	links, err := s.LinksByUUID(ctx, "u-1", "")
	require.NoError(t, err)
	require.Len(t, links, 1)

	l, ok, err := s.LinkByRecord(ctx, "res.partner", 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "u-1", l.UUID)

	l.UUID = "u-2"
	require.NoError(t, s.UpdateLink(ctx, l))
	links, err = s.LinksByUUID(ctx, "u-2", "res.partner")
	require.NoError(t, err)
	require.Len(t, links, 1)

	require.NoError(t, s.DeleteLink(ctx, l.ID))
	_, ok, err = s.LinkByRecord(ctx, "res.partner", 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPersistedRuleSetSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "obmen.db")

	s, err := Open(path)
	require.NoError(t, err)
	rs := testRuleSet()
	require.NoError(t, s.SaveRuleSet(ctx, rs))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.LoadRuleSet(ctx, rs.UUID)
	require.NoError(t, err)
	assert.Len(t, got.Rules, 1)
}
