package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArenaHandles(t *testing.T) {
	a := NewArena()
	assert.Zero(t, a.Len())

	h1 := a.New(Node{Kind: KindObject, Model: "res.partner", RecID: 7})
	h2 := a.New(Node{Kind: KindProperty, Name: "name", Value: "Acme"})

	require.NotEqual(t, None, h1)
	require.NotEqual(t, h1, h2)
	assert.Equal(t, 2, a.Len())

	a.At(h1).Children = append(a.At(h1).Children, h2)
	assert.Equal(t, []Handle{h2}, a.At(h1).Children)
	assert.Equal(t, "Acme", a.At(h2).Value)
}

func TestArenaInvalidHandlePanics(t *testing.T) {
	a := NewArena()
	assert.Panics(t, func() { a.At(None) })
	assert.Panics(t, func() { a.At(Handle(5)) })
}

func TestCache(t *testing.T) {
	c := NewCache()
	k := Key{RuleCode: "Партнеры", Model: "res.partner", RecID: 42}

	assert.Equal(t, None, c.Lookup(k))

	c.Store(k, Handle(3))
	assert.Equal(t, Handle(3), c.Lookup(k))
	assert.Equal(t, 1, c.Len())

	// Same record through a different rule is a different key.
	other := Key{RuleCode: "Контрагенты", Model: "res.partner", RecID: 42}
	assert.Equal(t, None, c.Lookup(other))
}

func TestKeyString(t *testing.T) {
	k := Key{RuleCode: "Товары", Model: "product.product", RecID: 1}
	assert.Equal(t, "r:Товары o:product.product id:1", k.String())
}
