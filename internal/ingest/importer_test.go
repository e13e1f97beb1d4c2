package ingest

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/obmen/internal/hook"
	"github.com/roach88/obmen/internal/identity"
	"github.com/roach88/obmen/internal/record"
	"github.com/roach88/obmen/internal/store"
)

const fileOpen = "\xEF\xBB\xBF<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n" +
	`<ФайлОбмена ВерсияФормата="2.0" ДатаВыгрузки="2026-05-12T10:30:00" ИмяКонфигурацииИсточника="УправлениеТорговлей" ИмяКонфигурацииПриемника="СайтПродаж" ИдПравилКонвертации="5bd397f0-9f64-4c2a-8e2b-3a1f5d3ba001">`

type importFixture struct {
	mem   *record.MemStore
	st    *store.Store
	ident *identity.Service
}

func newImportFixture(t *testing.T) *importFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "obmen.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := record.NewRegistry()
	reg.Register(record.Schema{Model: "res.city", Fields: map[string]record.Field{
		"name": {Name: "name", Kind: record.KindString},
	}})
	reg.Register(record.Schema{Model: "res.partner.contact", Fields: map[string]record.Field{
		"name":  {Name: "name", Kind: record.KindString},
		"phone": {Name: "phone", Kind: record.KindString},
	}})
	reg.Register(record.Schema{Model: "res.partner", Fields: map[string]record.Field{
		"name":       {Name: "name", Kind: record.KindString},
		"debit":      {Name: "debit", Kind: record.KindFloat},
		"date_start": {Name: "date_start", Kind: record.KindDate},
		"city_id":    {Name: "city_id", Kind: record.KindToOne, Relation: "res.city"},
		"child_ids":  {Name: "child_ids", Kind: record.KindToMany, Relation: "res.partner.contact"},
	}})

	log := testLog()
	return &importFixture{
		mem:   record.NewMemStore(reg),
		st:    st,
		ident: identity.New(st, log),
	}
}

func (f *importFixture) load(t *testing.T, doc string, opts ...Option) *Stats {
	t.Helper()
	im := New(f.mem, f.ident, testLog(), opts...)
	stats, err := im.LoadData(context.Background(), strings.NewReader(doc))
	require.NoError(t, err)
	return stats
}

func TestFloatFieldChangeDetection(t *testing.T) {
	field := record.Field{Name: "debit", Kind: record.KindFloat}
	tests := []struct {
		name    string
		cur     any
		next    any
		differs bool
	}{
		{"integer from wire equals stored float", 22.0, int64(22), false},
		{"same value", 10.5, 10.5, false},
		{"trailing zeros ignored", 10.0, int64(10), false},
		{"fraction kept", 0.25, 0.25, false},
		{"differs past trailing zeros", 10.5, 10.51, true},
		{"unset equals zero", nil, 0.0, false},
		{"value vs unset", 10.5, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.differs, fieldDiffers(field, tt.cur, tt.next))
		})
	}
}

func TestLoadCreatesRecord(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t)

	doc := fileOpen + `
<Объект Нпп="1" Тип="СправочникСсылка.resPartner" ИмяПравила="Партнеры">
	<Ссылка Нпп="1">
		<Свойство Имя="{УникальныйИдентификатор}" Тип="Строка">
			<Значение>aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa</Значение>
		</Свойство>
		<Свойство Имя="name" Тип="Строка">
			<Значение>ООО Ромашка</Значение>
		</Свойство>
	</Ссылка>
	<Свойство Имя="debit" Тип="Число">
		<Значение>10.5</Значение>
	</Свойство>
	<Свойство Имя="date_start" Тип="Дата">
		<Значение>2026-01-15T08:00:00</Значение>
	</Свойство>
</Объект>
</ФайлОбмена>`

	stats := f.load(t, doc)
	assert.Equal(t, 1, stats.Objects)
	assert.Equal(t, 1, stats.Created)

	ids, err := f.mem.Find(ctx, "res.partner", []record.Condition{record.Eq("name", "ООО Ромашка")}, 0)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	rec, err := f.mem.Get(ctx, "res.partner", ids[0])
	require.NoError(t, err)
	assert.Equal(t, 10.5, rec.Get("debit"))
	assert.Equal(t, time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC), rec.Get("date_start"))

	link, ok, err := f.st.LinkByRecord(ctx, "res.partner", int64(ids[0]))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa", link.UUID)
}

func TestLoadUpdatesByUUIDAndSkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t)

	id, err := f.mem.Create(ctx, "res.partner", map[string]any{"name": "Старое имя"})
	require.NoError(t, err)
	_, err = f.st.InsertLink(ctx, store.Link{
		UUID: "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa", Model: "res.partner", ResID: int64(id),
	})
	require.NoError(t, err)

	doc := fileOpen + `
<Объект Нпп="1" Тип="СправочникСсылка.resPartner" ИмяПравила="Партнеры">
	<Ссылка Нпп="1">
		<Свойство Имя="{УникальныйИдентификатор}" Тип="Строка">
			<Значение>aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa</Значение>
		</Свойство>
	</Ссылка>
	<Свойство Имя="name" Тип="Строка">
		<Значение>Новое имя</Значение>
	</Свойство>
</Объект>
</ФайлОбмена>`

	stats := f.load(t, doc)
	assert.Equal(t, 1, stats.Updated)
	assert.Zero(t, stats.Created)

	rec, err := f.mem.Get(ctx, "res.partner", id)
	require.NoError(t, err)
	assert.Equal(t, "Новое имя", rec.Get("name"))

	// Same file again: nothing changes, nothing is written.
	stats = f.load(t, doc)
	assert.Zero(t, stats.Updated)
	assert.Zero(t, stats.Created)
}

func TestLoadResolvesReferenceByObjectNumber(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t)

	doc := fileOpen + `
<Объект Нпп="1" Тип="СправочникСсылка.resCity" ИмяПравила="Города">
	<Ссылка Нпп="1">
		<Свойство Имя="{УникальныйИдентификатор}" Тип="Строка">
			<Значение>bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb</Значение>
		</Свойство>
		<Свойство Имя="name" Тип="Строка">
			<Значение>Тверь</Значение>
		</Свойство>
	</Ссылка>
</Объект>
<Объект Нпп="2" Тип="СправочникСсылка.resPartner" ИмяПравила="Партнеры">
	<Ссылка Нпп="2">
		<Свойство Имя="{УникальныйИдентификатор}" Тип="Строка">
			<Значение>aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa</Значение>
		</Свойство>
		<Свойство Имя="name" Тип="Строка">
			<Значение>ООО Ромашка</Значение>
		</Свойство>
	</Ссылка>
	<Свойство Имя="city_id" Тип="СправочникСсылка.resCity" ИмяПравила="Города">
		<Ссылка Нпп="1">
			<Свойство Имя="{УникальныйИдентификатор}" Тип="Строка">
				<Значение>bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb</Значение>
			</Свойство>
		</Ссылка>
	</Свойство>
</Объект>
</ФайлОбмена>`

	stats := f.load(t, doc)
	assert.Equal(t, 2, stats.Created)

	cityIDs, err := f.mem.Find(ctx, "res.city", []record.Condition{record.Eq("name", "Тверь")}, 0)
	require.NoError(t, err)
	require.Len(t, cityIDs, 1)

	partnerIDs, err := f.mem.Find(ctx, "res.partner", nil, 0)
	require.NoError(t, err)
	require.Len(t, partnerIDs, 1)
	rec, err := f.mem.Get(ctx, "res.partner", partnerIDs[0])
	require.NoError(t, err)
	assert.Equal(t, cityIDs[0], rec.Get("city_id"))
}

func TestLoadReplacesTableRows(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t)

	oldRow, err := f.mem.Create(ctx, "res.partner.contact", map[string]any{"name": "Старый"})
	require.NoError(t, err)
	id, err := f.mem.Create(ctx, "res.partner", map[string]any{
		"name": "ООО Ромашка", "child_ids": []record.ID{oldRow},
	})
	require.NoError(t, err)
	_, err = f.st.InsertLink(ctx, store.Link{
		UUID: "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa", Model: "res.partner", ResID: int64(id),
	})
	require.NoError(t, err)

	doc := fileOpen + `
<Объект Нпп="1" Тип="СправочникСсылка.resPartner" ИмяПравила="Партнеры">
	<Ссылка Нпп="1">
		<Свойство Имя="{УникальныйИдентификатор}" Тип="Строка">
			<Значение>aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa</Значение>
		</Свойство>
	</Ссылка>
	<ТабличнаяЧасть Имя="child_ids">
		<Запись>
			<Свойство Имя="name" Тип="Строка">
				<Значение>Иванов</Значение>
			</Свойство>
			<Свойство Имя="phone" Тип="Строка">
				<Значение>+7 900 000-00-01</Значение>
			</Свойство>
		</Запись>
	</ТабличнаяЧасть>
</Объект>
</ФайлОбмена>`

	f.load(t, doc)

	rec, err := f.mem.Get(ctx, "res.partner", id)
	require.NoError(t, err)
	rows, ok := rec.Get("child_ids").([]record.ID)
	require.True(t, ok)
	require.Len(t, rows, 1)
	assert.NotEqual(t, oldRow, rows[0])

	row, err := f.mem.Get(ctx, "res.partner.contact", rows[0])
	require.NoError(t, err)
	assert.Equal(t, "Иванов", row.Get("name"))

	_, err = f.mem.Get(ctx, "res.partner.contact", oldRow)
	var nf *record.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestLoadDontCreateSuppressesCreation(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t)

	doc := fileOpen + `
<Объект Нпп="1" Тип="СправочникСсылка.resPartner" ИмяПравила="Партнеры">
	<Ссылка Нпп="1" НеСоздаватьЕслиНеНайден="true">
		<Свойство Имя="{УникальныйИдентификатор}" Тип="Строка">
			<Значение>aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa</Значение>
		</Свойство>
		<Свойство Имя="name" Тип="Строка">
			<Значение>Не создавать</Значение>
		</Свойство>
	</Ссылка>
</Объект>
</ФайлОбмена>`

	stats := f.load(t, doc)
	assert.Zero(t, stats.Created)

	ids, err := f.mem.Find(ctx, "res.partner", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestLoadAmbiguousKeysSkipsObject(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t)

	_, err := f.mem.Create(ctx, "res.partner", map[string]any{"name": "Дубль"})
	require.NoError(t, err)
	_, err = f.mem.Create(ctx, "res.partner", map[string]any{"name": "Дубль"})
	require.NoError(t, err)

	doc := fileOpen + `
<Объект Нпп="1" Тип="СправочникСсылка.resPartner" ИмяПравила="Партнеры">
	<Ссылка Нпп="1">
		<Свойство Имя="name" Тип="Строка">
			<Значение>Дубль</Значение>
		</Свойство>
	</Ссылка>
	<Свойство Имя="debit" Тип="Число">
		<Значение>1</Значение>
	</Свойство>
</Объект>
</ФайлОбмена>`

	stats := f.load(t, doc)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, stats.Created)
	assert.Zero(t, stats.Updated)

	ids, err := f.mem.Find(ctx, "res.partner", nil, 0)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestLoadKeySearchWhenUUIDSyncDisabled(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t)

	id, err := f.mem.Create(ctx, "res.partner", map[string]any{"name": "По ключу"})
	require.NoError(t, err)

	doc := fileOpen + `
<ПравилаОбмена>
	<ВерсияФормата>2.0</ВерсияФормата>
	<Ид>5bd397f0-9f64-4c2a-8e2b-3a1f5d3ba001</Ид>
	<ПравилаКонвертацииОбъектов>
		<Правило>
			<Код>Партнеры</Код>
			<Источник>СправочникСсылка.Партнеры</Источник>
			<ПродолжитьПоискПоПолямПоискаЕслиПоИдентификаторуНеНашли>true</ПродолжитьПоискПоПолямПоискаЕслиПоИдентификаторуНеНашли>
			<Приемник>СправочникСсылка.resPartner</Приемник>
		</Правило>
	</ПравилаКонвертацииОбъектов>
</ПравилаОбмена>
<Объект Нпп="1" Тип="СправочникСсылка.resPartner" ИмяПравила="Партнеры">
	<Ссылка Нпп="1">
		<Свойство Имя="{УникальныйИдентификатор}" Тип="Строка">
			<Значение>dddddddd-dddd-4ddd-8ddd-dddddddddddd</Значение>
		</Свойство>
		<Свойство Имя="name" Тип="Строка">
			<Значение>По ключу</Значение>
		</Свойство>
	</Ссылка>
	<Свойство Имя="debit" Тип="Число">
		<Значение>3.5</Значение>
	</Свойство>
</Объект>
</ФайлОбмена>`

	stats := f.load(t, doc)
	assert.Equal(t, 1, stats.Updated)
	assert.Zero(t, stats.Created)

	rec, err := f.mem.Get(ctx, "res.partner", id)
	require.NoError(t, err)
	assert.Equal(t, 3.5, rec.Get("debit"))

	// The record picked up the UUID the file carried.
	link, ok, err := f.st.LinkByRecord(ctx, "res.partner", int64(id))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dddddddd-dddd-4ddd-8ddd-dddddddddddd", link.UUID)
}

func TestLoadExpressionValue(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t)

	doc := fileOpen + `
<Объект Нпп="1" Тип="СправочникСсылка.resPartner" ИмяПравила="Партнеры">
	<Ссылка Нпп="1">
		<Свойство Имя="name" Тип="Строка">
			<Значение>Выражение</Значение>
		</Свойство>
	</Ссылка>
	<Свойство Имя="debit" Тип="Число">
		<Выражение>21 * 2</Выражение>
	</Свойство>
</Объект>
</ФайлОбмена>`

	f.load(t, doc)

	ids, err := f.mem.Find(ctx, "res.partner", []record.Condition{record.Eq("name", "Выражение")}, 0)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	rec, err := f.mem.Get(ctx, "res.partner", ids[0])
	require.NoError(t, err)
	assert.Equal(t, float64(42), rec.Get("debit"))
}

func TestLoadAfterImportHook(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t)

	hooks := hook.NewRegistry()
	hooks.OnAfterImport("Партнеры", func(ctx context.Context, s record.Store, model string, id record.ID) error {
		return s.Update(ctx, model, id, map[string]any{"debit": 99.0})
	})

	doc := fileOpen + `
<Объект Нпп="1" Тип="СправочникСсылка.resPartner" ИмяПравила="Партнеры">
	<Ссылка Нпп="1">
		<Свойство Имя="{УникальныйИдентификатор}" Тип="Строка">
			<Значение>aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa</Значение>
		</Свойство>
		<Свойство Имя="name" Тип="Строка">
			<Значение>С хуком</Значение>
		</Свойство>
	</Ссылка>
</Объект>
</ФайлОбмена>`

	f.load(t, doc, WithHooks(hooks))

	ids, err := f.mem.Find(ctx, "res.partner", nil, 0)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	rec, err := f.mem.Get(ctx, "res.partner", ids[0])
	require.NoError(t, err)
	assert.Equal(t, 99.0, rec.Get("debit"))
}

func TestLoadRejectsForeignRoot(t *testing.T) {
	f := newImportFixture(t)
	im := New(f.mem, f.ident, testLog())
	_, err := im.LoadData(context.Background(), strings.NewReader("<ЧужойКорень></ЧужойКорень>"))
	require.Error(t, err)
}
