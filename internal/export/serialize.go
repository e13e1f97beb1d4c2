package export

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/obmen/internal/rules"
	"github.com/roach88/obmen/internal/tree"
	"github.com/roach88/obmen/internal/wire"
)

// serialize writes the finished tree as an exchange file. Objects are
// ordered so that a referenced object always precedes its referrers
// where the reference graph allows it; cycles are broken at the point
// of first visit and the back edge travels as a Нпп cross-reference.
func serialize(a *tree.Arena, roots []tree.Handle, rs *rules.RuleSet, now time.Time) ([]byte, int, error) {
	order := orderObjects(a, roots)
	for i, h := range order {
		a.At(h).Npp = i + 1
	}

	var buf bytes.Buffer
	buf.WriteString(wire.Header)
	w := &xmlWriter{enc: xml.NewEncoder(&buf)}
	w.enc.Indent("", "\t")

	w.start(wire.ElemExchangeFile,
		attr(wire.AttrFormatVer, wire.FormatVersion),
		attr(wire.AttrExportDate, now.Format(timeLayout)),
		attr(wire.AttrSourceConf, rs.SourceName),
		attr(wire.AttrTargetConf, rs.TargetName),
		attr(wire.AttrConvRuleID, rs.UUID),
	)
	writePreamble(w, rs, now)
	for _, h := range order {
		writeObject(w, a, h)
	}
	w.end(wire.ElemExchangeFile)

	if err := w.close(); err != nil {
		return nil, 0, fmt.Errorf("serialize exchange file: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), len(order), nil
}

// orderObjects flattens the reference graph into a serialization order
// by post-order traversal. Marking before descent is what terminates
// cycles: the second arrival at an in-progress object backs off and
// leaves a forward Нпп reference behind.
func orderObjects(a *tree.Arena, roots []tree.Handle) []tree.Handle {
	marked := make(map[tree.Handle]bool)
	var order []tree.Handle
	var visit func(h tree.Handle)
	visit = func(h tree.Handle) {
		if marked[h] {
			return
		}
		marked[h] = true
		for _, ref := range objectRefs(a, h) {
			visit(ref)
		}
		order = append(order, h)
	}
	for _, r := range roots {
		visit(r)
	}
	return order
}

// objectRefs collects the object handles a node's subtree references,
// in document order.
func objectRefs(a *tree.Arena, h tree.Handle) []tree.Handle {
	var refs []tree.Handle
	var walk func(h tree.Handle)
	walk = func(h tree.Handle) {
		n := a.At(h)
		if n.Kind == tree.KindProperty && n.Ref != tree.None {
			refs = append(refs, n.Ref)
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	n := a.At(h)
	for _, k := range n.LinkKeys {
		walk(k)
	}
	for _, c := range n.Children {
		walk(c)
	}
	return refs
}

const timeLayout = "2006-01-02T15:04:05"

// writePreamble embeds the active rule set so the receiving side can
// self-configure from the file alone.
func writePreamble(w *xmlWriter, rs *rules.RuleSet, now time.Time) {
	w.start(wire.ElemRules)
	w.text(wire.ElemRuleFormatVersion, rs.FormatVersion)
	w.text(wire.ElemRuleID, rs.UUID)
	w.text(wire.ElemRuleName, rs.Name)
	w.text(wire.ElemRuleCreated, now.Format(timeLayout))
	w.text(wire.ElemRuleSource, rs.SourceName)
	w.text(wire.ElemRuleTarget, rs.TargetName)
	w.empty("Параметры")
	w.empty("Обработки")

	w.start(wire.ElemConvRules)
	for _, r := range rs.Rules {
		// A rule without a destination type converts nothing on the
		// receiving side and is not announced.
		if r.Disabled || r.TargetType == "" {
			continue
		}
		w.start(wire.ElemRule)
		w.text("Код", r.Code)
		if r.AfterImport != "" {
			w.text("ПослеЗагрузки", r.AfterImport)
		}
		w.flag("СинхронизироватьПоИдентификатору", r.SyncByUUID)
		w.text(wire.ElemRuleSource, r.SourceType)
		w.flag("ПродолжитьПоискПоПолямПоискаЕслиПоИдентификаторуНеНашли", r.SearchByFields)
		w.flag(wire.AttrRefOnlyUUID, r.ByRefUUIDOnly)
		w.flag(wire.AttrNoReplace, r.NoReplace)
		w.flag("ГенерироватьНовыйНомерИлиКодЕслиНеУказан", r.GenerateNewCode)
		w.text(wire.ElemRuleTarget, r.TargetType)
		w.end(wire.ElemRule)
	}
	w.end(wire.ElemConvRules)
	w.end(wire.ElemRules)
}

func writeObject(w *xmlWriter, a *tree.Arena, h tree.Handle) {
	n := a.At(h)
	attrs := []xml.Attr{
		attr(wire.AttrNpp, strconv.Itoa(n.Npp)),
		attr(wire.AttrType, n.Type),
		attr(wire.AttrRuleName, n.RuleCode),
	}
	if n.NoReplace {
		attrs = append(attrs, attr(wire.AttrNoReplace, "1"))
	}
	w.start(wire.ElemObject, attrs...)
	writeLink(w, a, h)
	for _, c := range n.Children {
		writeValueNode(w, a, c)
	}
	w.end(wire.ElemObject)
}

// writeLink emits the Ссылка block: the object's Нпп, its search
// suppression flags and its search-key properties.
func writeLink(w *xmlWriter, a *tree.Arena, h tree.Handle) {
	n := a.At(h)
	attrs := []xml.Attr{attr(wire.AttrNpp, strconv.Itoa(n.Npp))}
	if n.DontCreate {
		attrs = append(attrs, attr(wire.AttrDontCreate, "true"))
	}
	if n.RefUUIDOnly {
		attrs = append(attrs, attr(wire.AttrRefOnlyUUID, "true"))
	}
	w.start(wire.ElemLink, attrs...)
	for _, k := range n.LinkKeys {
		writeValueNode(w, a, k)
	}
	w.end(wire.ElemLink)
}

func writeValueNode(w *xmlWriter, a *tree.Arena, h tree.Handle) {
	n := a.At(h)
	switch n.Kind {
	case tree.KindTable:
		w.start(wire.ElemTable, attr(wire.AttrName, n.Name))
		for _, c := range n.Children {
			writeValueNode(w, a, c)
		}
		w.end(wire.ElemTable)
	case tree.KindRow:
		w.start(wire.ElemRow)
		for _, c := range n.Children {
			writeValueNode(w, a, c)
		}
		w.end(wire.ElemRow)
	case tree.KindProperty:
		writeProperty(w, a, n)
	}
}

func writeProperty(w *xmlWriter, a *tree.Arena, n *tree.Node) {
	elem := wire.ElemProperty
	name := n.Name
	if n.ParamName != "" {
		elem = wire.ElemParamValue
		name = n.ParamName
	}

	if n.Ref != tree.None {
		ref := a.At(n.Ref)
		attrs := []xml.Attr{
			attr(wire.AttrName, name),
			attr(wire.AttrType, n.Type),
			attr(wire.AttrRuleName, n.RuleCode),
		}
		if n.NoReplace {
			attrs = append(attrs, attr(wire.AttrNoReplace, "1"))
		}
		w.start(elem, attrs...)
		// The reference repeats the target's search keys so the
		// receiving side can resolve it even before object Нпп arrives.
		writeLinkRef(w, a, ref)
		w.end(elem)
		return
	}

	attrs := []xml.Attr{attr(wire.AttrName, name)}
	if n.Type != "" {
		attrs = append(attrs, attr(wire.AttrType, n.Type))
	}
	if n.NoReplace {
		attrs = append(attrs, attr(wire.AttrNoReplace, "1"))
	}
	w.start(elem, attrs...)
	switch {
	case n.Empty:
		w.empty(wire.ElemEmpty)
	case n.Value != nil:
		w.text(wire.ElemValue, formatValue(n.Value))
	}
	w.end(elem)
}

func writeLinkRef(w *xmlWriter, a *tree.Arena, ref *tree.Node) {
	attrs := []xml.Attr{attr(wire.AttrNpp, strconv.Itoa(ref.Npp))}
	if ref.DontCreate {
		attrs = append(attrs, attr(wire.AttrDontCreate, "true"))
	}
	if ref.RefUUIDOnly {
		attrs = append(attrs, attr(wire.AttrRefOnlyUUID, "true"))
	}
	w.start(wire.ElemLink, attrs...)
	for _, k := range ref.LinkKeys {
		writeValueNode(w, a, k)
	}
	w.end(wire.ElemLink)
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return wire.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.Format(timeLayout)
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	default:
		return fmt.Sprint(x)
	}
}

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

// xmlWriter wraps an xml.Encoder with error latching, so the emit code
// reads as straight-line element building.
type xmlWriter struct {
	enc *xml.Encoder
	err error
}

func (w *xmlWriter) token(t xml.Token) {
	if w.err != nil {
		return
	}
	w.err = w.enc.EncodeToken(t)
}

func (w *xmlWriter) start(name string, attrs ...xml.Attr) {
	w.token(xml.StartElement{Name: xml.Name{Local: name}, Attr: attrs})
}

func (w *xmlWriter) end(name string) {
	w.token(xml.EndElement{Name: xml.Name{Local: name}})
}

func (w *xmlWriter) text(name, value string) {
	w.start(name)
	w.token(xml.CharData(value))
	w.end(name)
}

func (w *xmlWriter) empty(name string) {
	w.start(name)
	w.end(name)
}

func (w *xmlWriter) flag(name string, on bool) {
	if on {
		w.text(name, wire.FormatBool(true))
	}
}

func (w *xmlWriter) close() error {
	if w.err != nil {
		return w.err
	}
	return w.enc.Flush()
}
