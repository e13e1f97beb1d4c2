// Package wire defines the vocabulary of the 1C exchange file format.
//
// The exchange file is XML with Russian element and attribute names, as
// produced and consumed by 1C:Enterprise configurations. The names are
// part of the protocol and must match byte for byte, so they live here
// as constants rather than being scattered through the engine.
package wire

// Element names.
const (
	ElemExchangeFile = "ФайлОбмена"    // root of an exchange file
	ElemObject       = "Объект"        // one exported record
	ElemProperty     = "Свойство"      // scalar or reference field
	ElemParamValue   = "ЗначениеПараметра" // object serialized as a parameter
	ElemTable        = "ТабличнаяЧасть" // to-many field (tabular section)
	ElemRow          = "Запись"        // one row of a tabular section
	ElemLink         = "Ссылка"        // reference block with search keys
	ElemValue        = "Значение"      // literal scalar payload
	ElemEmpty        = "Пусто"         // explicit null
	ElemExpression   = "Выражение"     // value computed on the receiving side
	ElemRules        = "ПравилаОбмена" // rules preamble / rule definition root
)

// Attribute names.
const (
	AttrNpp         = "Нпп"             // sequence number, the cross-reference handle
	AttrType        = "Тип"             // 1C type name of an object or value
	AttrName        = "Имя"             // property name
	AttrRuleName    = "ИмяПравила"      // conversion rule code
	AttrNoReplace   = "НеЗамещать"      // update suppression flag
	AttrDontCreate  = "НеСоздаватьЕслиНеНайден" // create suppression flag
	AttrFormatVer   = "ВерсияФормата"
	AttrExportDate  = "ДатаВыгрузки"
	AttrSourceConf  = "ИмяКонфигурацииИсточника"
	AttrTargetConf  = "ИмяКонфигурацииПриемника"
	AttrConvRuleID  = "ИдПравилКонвертации"
	AttrRefOnlyUUID = "ПриПереносеОбъектаПоСсылкеУстанавливатьТолькоGIUD"
)

// Rule definition file element names (children of ПравилаОбмена).
const (
	ElemRuleFormatVersion = "ВерсияФормата"
	ElemRuleID            = "Ид"
	ElemRuleName          = "Наименование"
	ElemRuleCreated       = "ДатаВремяСоздания"
	ElemRuleSource        = "Источник"
	ElemRuleTarget        = "Приемник"
	ElemConvRules         = "ПравилаКонвертацииОбъектов"
	ElemRule              = "Правило"
	ElemExportRules       = "ПравилаВыгрузкиДанных"
	ElemSelectionObject   = "ОбъектВыборки"
)

// Schema kind prefixes of 1C type names. A full type name looks like
// "СправочникСсылка.Номенклатура"; the prefix tells the engine what kind
// of entity the reference points at.
const (
	KindCatalog  = "СправочникСсылка"
	KindDocument = "ДокументСсылка"
	KindEnum     = "ПеречислениеСсылка"
)

// SearchKeyUUID is the reserved search key carried inside Ссылка blocks.
// It matches on the exchange identity rather than on any record field.
const SearchKeyUUID = "{УникальныйИдентификатор}"

// ValueStorePrefix pads ХранилищеЗначения payloads and HTTP-pushed
// exchange frames. 1C emits it before the base64 body; strip it before
// decoding.
const ValueStorePrefix = "AgFTS2/0iI3BTqDV67a9oKcN"

// Header is written at the start of every exchange file. 1C insists on
// the UTF-8 byte order mark before the XML declaration.
const Header = "\xEF\xBB\xBF<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n"

// FormatVersion is the exchange format version this engine speaks.
const FormatVersion = "2.0"

// ParseBool reads a 1C boolean attribute. The format has accumulated
// several spellings over the years; anything unrecognized is false.
func ParseBool(s string) bool {
	switch s {
	case "1", "true", "истина", "Истина", "істина":
		return true
	}
	return false
}

// FormatBool writes a boolean the way 1C rule files spell it.
func FormatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
