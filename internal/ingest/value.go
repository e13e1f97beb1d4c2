package ingest

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"

	"github.com/roach88/obmen/internal/wire"
)

const dateLayout = "2006-01-02T15:04:05"

// decodeValue turns the string payload of a Значение element into the
// Go value its declared 1C type calls for. Unparseable payloads fall
// back to the raw string with an error log, never to an import abort.
func decodeValue(val, typ string, log *slog.Logger) any {
	switch typ {
	case "":
		return val
	case "Число":
		if strings.ContainsAny(val, ".,") {
			f, err := strconv.ParseFloat(strings.ReplaceAll(val, ",", "."), 64)
			if err != nil {
				log.Error("cannot read numeric value", "value", val, "err", err)
				return val
			}
			return f
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			log.Error("cannot read numeric value", "value", val, "err", err)
			return val
		}
		return n
	case "Булево":
		switch strings.ToLower(val) {
		case "1", "true", "истина", "істина":
			return true
		case "0", "false", "ложь", "хибне":
			return false
		}
		log.Debug("unreadable boolean value", "value", val)
		return nil
	case "Дата":
		if val == "" {
			return nil
		}
		t, err := time.Parse(dateLayout, val)
		if err != nil {
			// Some configurations write dates without the time part.
			if t, err = time.Parse("2006-01-02", val); err != nil {
				log.Error("cannot read date value", "value", val, "err", err)
				return val
			}
		}
		return t
	case "Строка":
		return val
	case "ХранилищеЗначения":
		data, err := decodeValueStore(val)
		if err != nil {
			log.Error("cannot read value store payload", "err", err)
			return nil
		}
		return data
	default:
		// Selection types and the like travel as plain strings.
		return val
	}
}

// decodeValueStore unpacks a ХранилищеЗначения blob: strip the 1C
// prefix, base64-decode, inflate, drop the KOI8-R metadata header, and
// return the raw payload bytes.
func decodeValueStore(val string) ([]byte, error) {
	clean := strings.NewReplacer("\n", "", wire.ValueStorePrefix, "").Replace(val)
	packed, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	raw, err := io.ReadAll(flate.NewReader(bytes.NewReader(packed)))
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	text, err := charmap.KOI8R.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, fmt.Errorf("koi8-r decode: %w", err)
	}
	s := string(text)
	if cut := storeHeaderLen(s); cut > 0 && cut+12 <= len(s) {
		s = s[cut+12:]
	}
	out, err := charmap.KOI8R.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("koi8-r encode: %w", err)
	}
	return out, nil
}

// storeHeaderLen finds the length of the brace-balanced metadata header
// at the start of a decoded value store, e.g. "{1,{2,3},{4}}payload".
func storeHeaderLen(s string) int {
	level := 0
	cut := 0
	for {
		open := strings.IndexByte(s[cut:], '{')
		if open == -1 {
			level--
		} else {
			close := strings.IndexByte(s[cut:], '}')
			switch {
			case close == -1:
				cut += open
				level--
			case close < open:
				cut += close + 1
				level--
			default:
				cut += open + 1
				level++
			}
		}
		if level == 0 {
			return cut
		}
		if level < 0 {
			return 0
		}
	}
}
