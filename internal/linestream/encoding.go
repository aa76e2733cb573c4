package linestream

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultEncoding is used when no string encoding is configured.
const DefaultEncoding = "utf-8"

var encodingAliases = map[string]encoding.Encoding{
	"utf-8":      unicode.UTF8,
	"utf8":       unicode.UTF8,
	"latin1":     charmap.ISO8859_1,
	"binary":     charmap.ISO8859_1,
	"iso-8859-1": charmap.ISO8859_1,
	"ucs2":       unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM),
	"ucs-2":      unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM),
	"utf16le":    unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM),
	"utf-16le":   unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM),
	"utf16be":    unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM),
	"utf-16be":   unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM),
}

// LookupEncoding resolves an encoding name. Besides the common aliases it
// accepts every WHATWG encoding label.
func LookupEncoding(name string) (encoding.Encoding, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = DefaultEncoding
	}
	if enc, ok := encodingAliases[key]; ok {
		return enc, nil
	}
	enc, err := htmlindex.Get(key)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown string encoding %q", ErrInvalidArgument, name)
	}
	return enc, nil
}

// decoder converts raw chunks to text. A multi-byte sequence cut by a chunk
// boundary is held back until the next chunk completes it.
type decoder struct {
	out bytes.Buffer
	w   *transform.Writer
}

func newDecoder(enc encoding.Encoding) *decoder {
	d := &decoder{}
	d.w = transform.NewWriter(&d.out, enc.NewDecoder())
	return d
}

func (d *decoder) decode(chunk []byte) (string, error) {
	d.out.Reset()
	if _, err := d.w.Write(chunk); err != nil {
		return "", err
	}
	return d.out.String(), nil
}

// flush decodes whatever is still held back at end of input.
func (d *decoder) flush() (string, error) {
	d.out.Reset()
	if err := d.w.Close(); err != nil {
		return "", err
	}
	return d.out.String(), nil
}
