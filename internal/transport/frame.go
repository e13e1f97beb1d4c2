package transport

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/roach88/obmen/internal/wire"
)

// An HTTP push from 1C carries the exchange file inside a value-store
// frame: the XML is quoted as a 1C string literal (every " doubled),
// wrapped in a serialization envelope, deflated raw, base64 encoded
// and prefixed. frameHead and frameTail are the envelope bytes around
// the string literal.
const (
	frameHead = `{2,{"S",1},{"S","`
	frameTail = `"}`
)

// DecodeFrame unwraps a pushed frame back into the exchange file body.
func DecodeFrame(raw []byte) ([]byte, error) {
	clean := strings.NewReplacer("\r", "", "\n", "", wire.ValueStorePrefix, "").Replace(string(raw))
	packed, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("decode push frame: %w", err)
	}
	body, err := io.ReadAll(flate.NewReader(bytes.NewReader(packed)))
	if err != nil {
		return nil, fmt.Errorf("inflate push frame: %w", err)
	}
	if len(body) < len(frameHead)+len(frameTail) {
		return nil, fmt.Errorf("push frame too short: %d bytes", len(body))
	}
	body = body[len(frameHead) : len(body)-len(frameTail)]
	return bytes.ReplaceAll(body, []byte(`""`), []byte(`"`)), nil
}

// EncodeFrame wraps an exchange file body the way 1C frames its pushes.
// The pull endpoint serves export files through this.
func EncodeFrame(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(frameHead)
	buf.Write(bytes.ReplaceAll(body, []byte(`"`), []byte(`""`)))
	buf.WriteString(frameTail)

	var packed bytes.Buffer
	zw, err := flate.NewWriter(&packed, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("deflate push frame: %w", err)
	}
	if _, err := zw.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("deflate push frame: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("deflate push frame: %w", err)
	}
	return []byte(wire.ValueStorePrefix + base64.StdEncoding.EncodeToString(packed.Bytes())), nil
}
