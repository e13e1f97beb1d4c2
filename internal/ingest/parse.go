package ingest

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/roach88/obmen/internal/hook"
	"github.com/roach88/obmen/internal/wire"
)

// node is one parsed element of an exchange file, with 1C flag
// attributes already decoded. Objects arrive one at a time from the
// parser; the file is never held in memory whole.
type node struct {
	elem string // Свойство, Ссылка, ТабличнаяЧасть, Запись, ...
	name string // Имя
	typ  string // Тип

	npp        int  // Нпп, 0 when absent
	dontCreate bool // НеСоздаватьЕслиНеНайден
	noRefill   bool // НеЗамещать

	ruleName string // ИмяПравила, objects only

	value    any
	hasValue bool

	children []*node
}

// child returns the first child with the given element name, nil if
// none.
func (n *node) child(elem string) *node {
	for _, c := range n.children {
		if c.elem == elem {
			return c
		}
	}
	return nil
}

// ruleInfo is what the rules preamble tells the importer about one
// conversion rule.
type ruleInfo struct {
	code           string
	syncByUUID     bool
	searchByFields bool
}

// parser reads an exchange file object by object.
type parser struct {
	dec   *xml.Decoder
	eval  *hook.Evaluator
	log   *slog.Logger
	rules map[string]*ruleInfo

	started bool
}

func newParser(r io.Reader, eval *hook.Evaluator, log *slog.Logger) *parser {
	return &parser{
		dec:   xml.NewDecoder(r),
		eval:  eval,
		log:   log,
		rules: make(map[string]*ruleInfo),
	}
}

// next returns the next Объект of the file, or io.EOF after the last
// one. The rules preamble is absorbed into p.rules on the way.
func (p *parser) next() (*node, error) {
	for {
		tok, err := p.dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) && p.started {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read exchange file: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case wire.ElemExchangeFile:
			p.started = true
			p.log.Info("exchange file opened",
				"format", attrOf(start, wire.AttrFormatVer),
				"source", attrOf(start, wire.AttrSourceConf),
				"target", attrOf(start, wire.AttrTargetConf))
		case wire.ElemRules:
			if !p.started {
				return nil, errors.New("rules element outside of exchange file")
			}
			n, err := p.readElement(start)
			if err != nil {
				return nil, err
			}
			p.absorbRules(n)
		case wire.ElemObject:
			if !p.started {
				return nil, errors.New("object element outside of exchange file")
			}
			return p.readElement(start)
		default:
			if !p.started {
				return nil, fmt.Errorf("not an exchange file: root element %s", start.Name.Local)
			}
			if err := p.dec.Skip(); err != nil {
				return nil, fmt.Errorf("skip %s: %w", start.Name.Local, err)
			}
		}
	}
}

// readElement builds the subtree rooted at start. Scalar payloads
// (Значение, Пусто, Выражение) collapse into the parent's value on the
// way up, mirroring how the file is written.
func (p *parser) readElement(start xml.StartElement) (*node, error) {
	n := &node{elem: start.Name.Local}
	for _, a := range start.Attr {
		switch a.Name.Local {
		case wire.AttrName:
			n.name = a.Value
		case wire.AttrType:
			n.typ = a.Value
		case wire.AttrRuleName:
			n.ruleName = a.Value
		case wire.AttrNpp:
			v, err := strconv.Atoi(a.Value)
			if err != nil {
				p.log.Error("unreadable object number", "value", a.Value)
				continue
			}
			n.npp = v
		case wire.AttrDontCreate:
			n.dontCreate = wire.ParseBool(a.Value)
		case wire.AttrNoReplace:
			n.noRefill = wire.ParseBool(a.Value)
		}
	}

	var text bytes.Buffer
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", n.elem, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := p.readElement(t)
			if err != nil {
				return nil, err
			}
			p.attach(n, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if v := strings.TrimSpace(text.String()); v != "" && len(n.children) == 0 {
				n.value = v
				n.hasValue = true
			}
			return n, nil
		}
	}
}

// attach folds a finished child into its parent. A lone Значение,
// Пусто, or Выражение child becomes the parent's typed value instead
// of a child node.
func (p *parser) attach(parent, child *node) {
	switch child.elem {
	case wire.ElemValue:
		raw, _ := child.value.(string)
		parent.value = decodeValue(raw, parent.typ, p.log)
		parent.hasValue = true
	case wire.ElemEmpty:
		parent.value = nil
		parent.hasValue = true
	case wire.ElemExpression:
		expr, _ := child.value.(string)
		parent.value = p.runExpression(expr, parent)
		parent.hasValue = true
	default:
		parent.children = append(parent.children, child)
	}
}

// runExpression evaluates a Выражение payload. A broken expression
// degrades to nil with an error log so one bad rule line cannot stop a
// whole file.
func (p *parser) runExpression(expr string, n *node) any {
	if expr == "" || p.eval == nil {
		return nil
	}
	v, err := p.eval.Eval(expr, map[string]any{
		"name": n.name,
		"type": n.typ,
	})
	if err != nil {
		p.log.Error("cannot evaluate expression", "expression", expr, "field", n.name, "err", err)
		return nil
	}
	return v
}

// absorbRules pulls what the importer needs out of the rules preamble.
func (p *parser) absorbRules(rules *node) {
	conv := rules.child(wire.ElemConvRules)
	if conv == nil {
		return
	}
	for _, r := range conv.children {
		if r.elem != wire.ElemRule {
			continue
		}
		info := &ruleInfo{}
		for _, c := range r.children {
			v, _ := c.value.(string)
			switch c.elem {
			case "Код":
				info.code = v
			case "СинхронизироватьПоИдентификатору":
				info.syncByUUID = wire.ParseBool(v)
			case "ПродолжитьПоискПоПолямПоискаЕслиПоИдентификаторуНеНашли":
				info.searchByFields = wire.ParseBool(v)
			}
		}
		if info.code != "" {
			p.rules[info.code] = info
		}
	}
	p.log.Debug("rules preamble read", "rules", len(p.rules))
}

func attrOf(start xml.StartElement, name string) string {
	for _, a := range start.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
