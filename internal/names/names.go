// Package names converts between 1C type names and internal model names.
//
// 1C type names are camelCase with a schema-kind prefix, for example
// 'СправочникСсылка.productTemplate'. Internal model names are lowercase
// dot-separated, for example 'product.template'. A double underscore
// followed by an ASCII capital marks an embedded enumeration field:
// 'ПеречислениеСсылка.productProduct__Detailed_type' names the selection
// field 'detailed_type' of model 'product.product'.
package names

import (
	"strings"
)

func isUpper(b byte) bool { return b >= 'A' && b <= 'Z' }

func lower(b byte) byte { return b + ('a' - 'A') }

// FromWire converts a 1C type name to (model, field).
//
// The schema-kind prefix up to the last dot is discarded. Each ASCII
// capital in the remainder becomes a dot plus the lowercase letter.
// Plain underscores pass through unchanged. If the name contains a
// '__' + capital marker, everything after the last such marker is the
// field name with its first letter lowercased, and the marker is
// removed from the model part.
//
//	FromWire("СправочникСсылка.productTemplate") -> ("product.template", "")
//	FromWire("ПеречислениеСсылка.irActionsAct_windowView__View_modeType")
//	    -> ("ir.actions.act_window.view", "view_modeType")
func FromWire(name string) (model, field string) {
	if name == "" {
		return "", ""
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}

	// Locate the last '__' followed by a capital.
	for i := len(name) - 3; i >= 0; i-- {
		if name[i] == '_' && name[i+1] == '_' && isUpper(name[i+2]) {
			field = string(lower(name[i+2])) + name[i+3:]
			name = name[:i]
			break
		}
	}

	var b strings.Builder
	b.Grow(len(name) + 4)
	for i := 0; i < len(name); i++ {
		if isUpper(name[i]) {
			b.WriteByte('.')
			b.WriteByte(lower(name[i]))
		} else {
			b.WriteByte(name[i])
		}
	}
	return b.String(), field
}

// ToWire converts an internal model name to the camelCase form used in
// 1C type names, without a schema-kind prefix.
//
//	ToWire("product.template") -> "productTemplate"
func ToWire(model string) string {
	var b strings.Builder
	b.Grow(len(model))
	up := false
	for i := 0; i < len(model); i++ {
		c := model[i]
		if c == '.' {
			up = true
			continue
		}
		if up && c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		up = false
		b.WriteByte(c)
	}
	return b.String()
}

// ToWireField builds the embedded-enumeration type name for a selection
// field: the camelCase model name, the '__' marker, and the field name
// with its first letter uppercased.
//
//	ToWireField("product.product", "detailed_type") -> "productProduct__Detailed_type"
func ToWireField(model, field string) string {
	w := ToWire(model)
	if field == "" {
		return w
	}
	f := field
	if f[0] >= 'a' && f[0] <= 'z' {
		f = string(f[0]-('a'-'A')) + f[1:]
	}
	return w + "__" + f
}
