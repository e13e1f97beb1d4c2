package rules

import (
	"archive/zip"
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRules = `<?xml version="1.0" encoding="UTF-8"?>
<ПравилаОбмена>
	<ВерсияФормата>2.01</ВерсияФормата>
	<Ид>4a1b2c3d-0000-1111-2222-333344445555</Ид>
	<Наименование>Обмен с учетной системой</Наименование>
	<Источник>УправлениеТорговлей</Источник>
	<Приемник>resPartner</Приемник>
	<ПравилаКонвертацииОбъектов>
		<Правило>
			<Код>Партнеры</Код>
			<Наименование>Партнеры</Наименование>
			<Источник>СправочникСсылка.Контрагенты</Источник>
			<Приемник>СправочникСсылка.resPartner</Приемник>
			<СинхронизироватьПоИдентификатору>true</СинхронизироватьПоИдентификатору>
			<ПродолжитьПоискПоПолямПоискаЕслиПоИдентификаторуНеНашли>true</ПродолжитьПоискПоПолямПоискаЕслиПоИдентификаторуНеНашли>
			<Свойства>
				<Свойство Поиск="true">
					<Код>1</Код>
					<Источник Имя="Наименование" Тип="Строка"/>
					<Приемник Имя="name" Тип="Строка"/>
				</Свойство>
				<Свойство>
					<Код>2</Код>
					<Источник Имя="Родитель"/>
					<Приемник Имя="parent"/>
					<КодПравилаКонвертации>Партнеры</КодПравилаКонвертации>
				</Свойство>
				<Группа>
					<Код>3</Код>
					<Источник Имя="КонтактныеЛица"/>
					<Приемник Имя="children"/>
					<Свойство>
						<Код>4</Код>
						<Источник Имя="Имя"/>
						<Приемник Имя="name"/>
					</Свойство>
				</Группа>
			</Свойства>
		</Правило>
		<Правило Отключить="true">
			<Код>Выключено</Код>
			<Источник>СправочникСсылка.Старое</Источник>
			<Приемник>СправочникСсылка.resPartner</Приемник>
		</Правило>
	</ПравилаКонвертацииОбъектов>
	<ПравилаВыгрузкиДанных>
		<Правило>
			<Код>ВыгрузкаПартнеров</Код>
			<ОбъектВыборки>СправочникСсылка.resPartner</ОбъектВыборки>
			<КодПравилаКонвертации>Партнеры</КодПравилаКонвертации>
		</Правило>
	</ПравилаВыгрузкиДанных>
</ПравилаОбмена>`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoad(t *testing.T) {
	rs, err := Load([]byte(sampleRules), "rules.xml", testLogger())
	require.NoError(t, err)

	assert.Equal(t, "2.01", rs.FormatVersion)
	assert.Equal(t, "4a1b2c3d-0000-1111-2222-333344445555", rs.UUID)
	assert.Equal(t, "Обмен с учетной системой", rs.Name)
	assert.Equal(t, "УправлениеТорговлей", rs.SourceName)
	require.Len(t, rs.Rules, 2)

	r := rs.Rules[0]
	assert.Equal(t, "Партнеры", r.Code)
	assert.True(t, r.SyncByUUID)
	assert.True(t, r.SearchByFields)
	assert.Equal(t, "res.partner", r.TargetModel())
	require.Len(t, r.Lines, 3)

	assert.True(t, r.Lines[0].Search)
	assert.Equal(t, "name", r.Lines[0].TargetName)

	// Self-referencing sub-rule link resolves to the same rule.
	require.NotNil(t, r.Lines[1].SubRule)
	assert.Same(t, r, r.Lines[1].SubRule)

	group := r.Lines[2]
	assert.True(t, group.IsGroup)
	require.Len(t, group.Children, 1)
	assert.Equal(t, "name", group.Children[0].TargetName)

	assert.True(t, rs.Rules[1].Disabled)

	require.Len(t, rs.ExportRules, 1)
	er := rs.ExportRules[0]
	assert.Equal(t, "res.partner", er.Model)
	assert.Same(t, r, er.Rule)
}

func TestLoadRejectsWrongRoot(t *testing.T) {
	_, err := Load([]byte(`<?xml version="1.0"?><Другое/>`), "bad.xml", testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ПравилаОбмена")
}

func TestLoadRequiresConversionID(t *testing.T) {
	_, err := Load([]byte(`<?xml version="1.0"?><ПравилаОбмена><Наименование>x</Наименование></ПравилаОбмена>`), "noid.xml", testLogger())
	require.Error(t, err)
}

func TestLoadStripsBOM(t *testing.T) {
	data := append([]byte("\xEF\xBB\xBF"), []byte(sampleRules)...)
	rs, err := Load(data, "bom.xml", testLogger())
	require.NoError(t, err)
	assert.Len(t, rs.Rules, 2)
}

func TestLoadFileZip(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "rules.zip")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("rules.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(sampleRules))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(zipPath, buf.Bytes(), 0o644))

	rs, err := LoadFile(zipPath, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "rules.zip", rs.SourceFile)
	assert.Len(t, rs.Rules, 2)
}

func TestResolvePrecedence(t *testing.T) {
	rs, err := Load([]byte(sampleRules), "rules.xml", testLogger())
	require.NoError(t, err)

	// Explicit code wins.
	r, ok := rs.Resolve("Партнеры", "СправочникСсылка.Другое")
	require.True(t, ok)
	assert.Equal(t, "Партнеры", r.Code)

	// Fallback to type lookup.
	r, ok = rs.Resolve("", "СправочникСсылка.Контрагенты")
	require.True(t, ok)
	assert.Equal(t, "Партнеры", r.Code)

	// Disabled rules never resolve.
	_, ok = rs.Resolve("Выключено", "")
	assert.False(t, ok)
	_, ok = rs.Resolve("", "СправочникСсылка.Старое")
	assert.False(t, ok)
}
