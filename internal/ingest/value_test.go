package ingest

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/obmen/internal/wire"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDecodeValue(t *testing.T) {
	log := testLog()
	cases := []struct {
		name string
		val  string
		typ  string
		want any
	}{
		{"integer", "42", "Число", int64(42)},
		{"float dot", "10.5", "Число", 10.5},
		{"float comma", "10,5", "Число", 10.5},
		{"bad number falls back to string", "abc", "Число", "abc"},
		{"bool true", "true", "Булево", true},
		{"bool istina", "Истина", "Булево", true},
		{"bool one", "1", "Булево", true},
		{"bool false", "false", "Булево", false},
		{"bool zero", "0", "Булево", false},
		{"bool garbage", "maybe", "Булево", nil},
		{"string", "привет", "Строка", "привет"},
		{"untyped", "x", "", "x"},
		{"selection passes through", "consu", "productProduct__Type", "consu"},
		{"date", "2026-01-15T08:30:00", "Дата", time.Date(2026, 1, 15, 8, 30, 0, 0, time.UTC)},
		{"date only", "2026-01-15", "Дата", time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"empty date", "", "Дата", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, decodeValue(tc.val, tc.typ, log))
		})
	}
}

func TestStoreHeaderLen(t *testing.T) {
	// The scan stops advancing once only closing braces remain, so the
	// result is where the last opening brace was passed, not the full
	// balanced length. The fixed strip offset accounts for the rest.
	assert.Equal(t, 10, storeHeaderLen("{1,{2,3},{4}}payload"))
	assert.Equal(t, 1, storeHeaderLen("{}rest"))
	assert.Equal(t, 0, storeHeaderLen("no braces at all"))
	assert.Equal(t, 0, storeHeaderLen("}{"))
}

func TestDecodeValueStore(t *testing.T) {
	payload := "file contents go here"
	// Header scan lands at offset 1 for a flat header; the strip takes
	// that plus twelve, so nine filler bytes put the payload in place.
	plain := "{22}" + "AAAABBBBC" + payload

	var deflated bytes.Buffer
	fw, err := flate.NewWriter(&deflated, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = fw.Write([]byte(plain))
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	packed := wire.ValueStorePrefix + base64.StdEncoding.EncodeToString(deflated.Bytes())

	got, err := decodeValueStore(packed)
	require.NoError(t, err)
	assert.Equal(t, []byte(payload), got)
}

func TestDecodeValueStoreBadBase64(t *testing.T) {
	_, err := decodeValueStore("!!! not base64 !!!")
	require.Error(t, err)
}
