// Package rules models 1C exchange rule definitions: the rule set
// header, object conversion rules with their property lines, and the
// export (data selection) rules that drive what gets dumped.
//
// Rule definitions arrive as XML produced by the 1C "Конвертация
// данных" configuration; Load parses that format. Persistence is the
// store package's job.
package rules

import (
	"time"

	"github.com/roach88/obmen/internal/names"
)

// RuleSet is one loaded conversion: the ПравилаОбмена header plus all
// its rules.
type RuleSet struct {
	ID            int64
	UUID          string // Ид of the conversion
	Name          string
	FormatVersion string
	SourceName    string // source configuration name
	TargetName    string // target configuration name
	SourceFile    string
	LoadedAt      time.Time

	Rules       []*ConversionRule
	ExportRules []*ExportRule
}

// ConversionRule maps one object type between the two sides.
//
// The hook fields hold the handler names carried in the rule file
// (ПослеЗагрузки, ПередВыгрузкой, ПриВыгрузке). They are opaque here;
// the hook package decides what runs for them.
type ConversionRule struct {
	ID       int64
	Code     string
	Name     string
	Order    int
	Disabled bool

	SourceType string // 1C type name of the source side
	TargetType string // 1C type name of the target side

	SyncByUUID      bool // СинхронизироватьПоИдентификатору
	SearchByFields  bool // continue by search fields when UUID lookup misses
	DontCreate      bool // НеСоздаватьЕслиНеНайден
	NoReplace       bool // НеЗамещать
	GenerateNewCode bool // ГенерироватьНовыйНомерИлиКодЕслиНеУказан
	ByRefUUIDOnly   bool // referenced objects carry only their UUID

	AfterImport   string
	BeforeProcess string
	OnExport      string

	Lines []*RuleLine
}

// SourceModel derives the internal model name from the source type.
func (r *ConversionRule) SourceModel() string {
	m, _ := names.FromWire(r.SourceType)
	return m
}

// TargetModel derives the internal model name from the target type.
func (r *ConversionRule) TargetModel() string {
	m, _ := names.FromWire(r.TargetType)
	return m
}

// RuleLine is one property or group line of a conversion rule. Groups
// carry child lines; the group's source field holds the rows (a
// to-many field mapped to a tabular section).
type RuleLine struct {
	ID       int64
	Code     string
	Name     string
	Order    int
	Disabled bool
	IsGroup  bool

	SourceName string // field name on the source side
	SourceKind string // Вид attribute
	SourceType string // Тип attribute
	TargetName string
	TargetKind string
	TargetType string

	Search        bool   // line participates in search-key matching
	NoReplace     bool   // field skipped on update of an existing record
	SubRuleCode   string // КодПравилаКонвертации, may resolve late
	SubRule       *ConversionRule
	BeforeProcess string
	OnExport      string
	ExportParam   string // ИмяПараметраДляПередачи

	Children []*RuleLine
}

// ExportRule selects a model for dumping and names the conversion rule
// that serializes it.
type ExportRule struct {
	ID       int64
	Code     string
	Name     string
	Order    int
	Disabled bool

	Model    string // from ОбъектВыборки
	RuleCode string
	Rule     *ConversionRule
}

// RuleByCode finds an enabled conversion rule by code.
func (rs *RuleSet) RuleByCode(code string) (*ConversionRule, bool) {
	for _, r := range rs.Rules {
		if r.Code == code && !r.Disabled {
			return r, true
		}
	}
	return nil, false
}

// RuleForType resolves a conversion rule for a 1C type name when no
// explicit rule code is given: an explicit code always wins, type
// lookup is the fallback. Source side is checked before target so that
// round-trip files resolve the same rule either direction.
func (rs *RuleSet) RuleForType(typeName string) (*ConversionRule, bool) {
	for _, r := range rs.Rules {
		if !r.Disabled && r.SourceType == typeName {
			return r, true
		}
	}
	for _, r := range rs.Rules {
		if !r.Disabled && r.TargetType == typeName {
			return r, true
		}
	}
	return nil, false
}

// Resolve applies rule resolution precedence: explicit code first, then
// type lookup. ok is false when neither finds an enabled rule.
func (rs *RuleSet) Resolve(ruleCode, typeName string) (*ConversionRule, bool) {
	if ruleCode != "" {
		if r, ok := rs.RuleByCode(ruleCode); ok {
			return r, true
		}
	}
	if typeName != "" {
		return rs.RuleForType(typeName)
	}
	return nil, false
}

// EnabledExportRules returns export rules that are enabled and resolved
// to a conversion rule, in rule order.
func (rs *RuleSet) EnabledExportRules() []*ExportRule {
	var out []*ExportRule
	for _, er := range rs.ExportRules {
		if !er.Disabled && er.Rule != nil {
			out = append(out, er)
		}
	}
	return out
}

// SearchLines returns the rule's non-group lines flagged for search,
// in line order.
func (r *ConversionRule) SearchLines() []*RuleLine {
	var out []*RuleLine
	for _, l := range r.Lines {
		if l.Search && !l.IsGroup && !l.Disabled {
			out = append(out, l)
		}
	}
	return out
}
