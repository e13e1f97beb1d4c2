package rules

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/obmen/internal/names"
	"github.com/roach88/obmen/internal/wire"
)

// ruleNode is a generic DOM node. Rule files are small enough that
// building the whole tree beats streaming here.
type ruleNode struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Text    string     `xml:",chardata"`
	Nodes   []ruleNode `xml:",any"`
}

func (n *ruleNode) attr(name string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func (n *ruleNode) text() string { return strings.TrimSpace(n.Text) }

// Load parses a rule definition XML document into a RuleSet.
// Sub-rule links that point forward in the file are resolved after the
// whole document is read; a link to a rule that never appears is
// logged and left nil, matching how 1C tolerates partial rule files.
func Load(data []byte, sourceFile string, log *slog.Logger) (*RuleSet, error) {
	data = bytes.TrimPrefix(data, []byte("\xEF\xBB\xBF"))

	var root ruleNode
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse rules xml: %w", err)
	}
	if root.XMLName.Local != wire.ElemRules {
		return nil, fmt.Errorf("unexpected root element %q, want %q", root.XMLName.Local, wire.ElemRules)
	}

	rs := &RuleSet{
		SourceFile: sourceFile,
		LoadedAt:   time.Now().UTC(),
	}

	for i := range root.Nodes {
		child := &root.Nodes[i]
		switch child.XMLName.Local {
		case wire.ElemRuleFormatVersion:
			rs.FormatVersion = child.text()
		case wire.ElemRuleID:
			rs.UUID = child.text()
		case wire.ElemRuleName:
			rs.Name = child.text()
		case wire.ElemRuleSource:
			rs.SourceName = child.text()
		case wire.ElemRuleTarget:
			rs.TargetName = child.text()
		case wire.ElemConvRules:
			for j := range child.Nodes {
				if child.Nodes[j].XMLName.Local != wire.ElemRule {
					continue
				}
				rs.Rules = append(rs.Rules, readRule(&child.Nodes[j], log))
			}
		case wire.ElemExportRules:
			for j := range child.Nodes {
				if child.Nodes[j].XMLName.Local != wire.ElemRule {
					continue
				}
				rs.ExportRules = append(rs.ExportRules, readExportRule(&child.Nodes[j], log))
			}
		}
	}

	if rs.UUID == "" {
		return nil, fmt.Errorf("rules file %s: conversion without Ид", sourceFile)
	}

	rs.link(log)
	return rs, nil
}

// LoadFile reads a rule definition from disk. A .zip container is
// accepted; the first .xml entry inside is used.
func LoadFile(path string, log *slog.Logger) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".zip") || bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		data, err = unzipFirstXML(data)
		if err != nil {
			return nil, fmt.Errorf("rules container %s: %w", path, err)
		}
	}
	return Load(data, filepath.Base(path), log)
}

func unzipFirstXML(data []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	for _, f := range zr.File {
		if !strings.EqualFold(filepath.Ext(f.Name), ".xml") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open zip entry %s: %w", f.Name, err)
		}
		defer rc.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(rc); err != nil {
			return nil, fmt.Errorf("read zip entry %s: %w", f.Name, err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("no .xml entry in container")
}

func readRule(n *ruleNode, log *slog.Logger) *ConversionRule {
	r := &ConversionRule{
		Disabled: wire.ParseBool(n.attr("Отключить")),
	}
	for i := range n.Nodes {
		c := &n.Nodes[i]
		switch c.XMLName.Local {
		case "Код":
			r.Code = c.text()
		case "Наименование":
			r.Name = c.text()
		case "Порядок":
			r.Order = parseOrder(c.text(), log)
		case "Источник":
			r.SourceType = c.text()
		case "Приемник":
			r.TargetType = c.text()
		case "СинхронизироватьПоИдентификатору":
			r.SyncByUUID = wire.ParseBool(c.text())
		case "ПродолжитьПоискПоПолямПоискаЕслиПоИдентификаторуНеНашли":
			r.SearchByFields = wire.ParseBool(c.text())
		case wire.AttrDontCreate:
			r.DontCreate = wire.ParseBool(c.text())
		case wire.AttrNoReplace:
			r.NoReplace = wire.ParseBool(c.text())
		case "ГенерироватьНовыйНомерИлиКодЕслиНеУказан":
			r.GenerateNewCode = wire.ParseBool(c.text())
		case "ПриПереносеОбъектаПоСсылкеУстанавливатьТолькоGIUD":
			r.ByRefUUIDOnly = wire.ParseBool(c.text())
		case "ПослеЗагрузки":
			r.AfterImport = c.Text
		case "ПередВыгрузкой":
			r.BeforeProcess = c.Text
		case "ПриВыгрузке":
			r.OnExport = c.Text
		case "Свойства":
			for j := range c.Nodes {
				if line := readLine(&c.Nodes[j], log); line != nil {
					r.Lines = append(r.Lines, line)
				}
			}
		}
	}
	if r.Code == "" {
		log.Error("rule without code skipped", "name", r.Name)
		return r
	}
	return r
}

func readLine(n *ruleNode, log *slog.Logger) *RuleLine {
	isGroup := n.XMLName.Local == "Группа"
	if n.XMLName.Local != "Свойство" && !isGroup {
		return nil
	}
	l := &RuleLine{
		IsGroup:  isGroup,
		Disabled: wire.ParseBool(n.attr("Отключить")),
		Search:   wire.ParseBool(n.attr("Поиск")),
	}
	for i := range n.Nodes {
		c := &n.Nodes[i]
		switch c.XMLName.Local {
		case "Код":
			l.Code = c.text()
		case "Наименование":
			l.Name = c.text()
		case "Порядок":
			l.Order = parseOrder(c.text(), log)
		case "Источник":
			l.SourceName = c.attr("Имя")
			l.SourceKind = c.attr("Вид")
			l.SourceType = c.attr("Тип")
		case "Приемник":
			l.TargetName = c.attr("Имя")
			l.TargetKind = c.attr("Вид")
			l.TargetType = c.attr("Тип")
		case "КодПравилаКонвертации":
			l.SubRuleCode = c.text()
		case wire.AttrNoReplace:
			l.NoReplace = wire.ParseBool(c.text())
		case "ПередВыгрузкой", "ПередОбработкойВыгрузки":
			l.BeforeProcess = c.Text
		case "ПриВыгрузке":
			l.OnExport = c.Text
		case "ИмяПараметраДляПередачи":
			l.ExportParam = c.text()
		case "Свойство", "Группа":
			if isGroup {
				if child := readLine(c, log); child != nil {
					l.Children = append(l.Children, child)
				}
			}
		}
	}
	return l
}

func readExportRule(n *ruleNode, log *slog.Logger) *ExportRule {
	er := &ExportRule{
		Disabled: wire.ParseBool(n.attr("Отключить")),
	}
	for i := range n.Nodes {
		c := &n.Nodes[i]
		switch c.XMLName.Local {
		case "Код":
			er.Code = c.text()
		case "Наименование":
			er.Name = c.text()
		case "Порядок":
			er.Order = parseOrder(c.text(), log)
		case wire.ElemSelectionObject:
			er.Model, _ = names.FromWire(c.text())
		case "КодПравилаКонвертации":
			er.RuleCode = c.text()
		}
	}
	return er
}

func parseOrder(s string, log *slog.Logger) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Error("cannot parse rule order", "value", s, "error", err)
		return 0
	}
	return n
}

// link resolves sub-rule codes on lines and conversion rule codes on
// export rules. Rule files reference rules that appear later in the
// document, so this runs once after the full parse.
func (rs *RuleSet) link(log *slog.Logger) {
	byCode := make(map[string]*ConversionRule, len(rs.Rules))
	for _, r := range rs.Rules {
		byCode[r.Code] = r
	}
	var walk func(owner *ConversionRule, lines []*RuleLine)
	walk = func(owner *ConversionRule, lines []*RuleLine) {
		for _, l := range lines {
			if l.SubRuleCode != "" {
				if sub, ok := byCode[l.SubRuleCode]; ok {
					l.SubRule = sub
				} else {
					log.Error("rule line references unknown rule",
						"rule", owner.Code, "line", l.Code, "sub_rule", l.SubRuleCode)
				}
			}
			walk(owner, l.Children)
		}
	}
	for _, r := range rs.Rules {
		walk(r, r.Lines)
	}
	for _, er := range rs.ExportRules {
		if er.RuleCode == "" {
			continue
		}
		if r, ok := byCode[er.RuleCode]; ok {
			er.Rule = r
		} else {
			log.Error("export rule references unknown rule",
				"export_rule", er.Code, "rule", er.RuleCode)
		}
	}
}
