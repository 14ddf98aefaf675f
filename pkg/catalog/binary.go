package catalog

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/sidkik/assetsync/pkg/errors"
)

// Variant selects the entry layout of a binary catalog.
type Variant int

const (
	// TableVariant is the layout of TableCatalog.bytes.
	TableVariant Variant = iota

	// MediaVariant is the layout of MediaCatalog.bytes.
	MediaVariant
)

func (v Variant) String() string {
	switch v {
	case TableVariant:
		return "table"
	case MediaVariant:
		return "media"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

const (
	tablePrefix = "TableBundles/"
	mediaPrefix = "MediaResources/"
)

// ParseBinary decodes a little-endian binary catalog. The input isn't
// modified.
func ParseBinary(data []byte, variant Variant) (Catalog, error) {
	r := &reader{data: data, catalog: variant.String()}

	// The leading tag byte carries no information we need.
	r.skip(1)
	count := r.i32()
	if r.err == nil && count < 0 {
		r.fail(fmt.Sprintf("negative entry count %d", count))
	}

	c := Catalog{}
	for i := int32(0); i < count && r.err == nil; i++ {
		var path string
		var desc Descriptor
		switch variant {
		case TableVariant:
			path, desc = r.tableEntry()
		case MediaVariant:
			path, desc = r.mediaEntry()
		default:
			return nil, &errors.MalformedCatalogError{
				Catalog: variant.String(), Reason: "unknown variant"}
		}

		if r.err == nil {
			c[path] = desc
		}
	}

	if r.err != nil {
		return nil, r.err
	}
	return c, nil
}

func (r *reader) tableEntry() (string, Descriptor) {
	r.skip(4)
	key := r.str()
	r.skip(1)
	r.skip(4)
	name := r.str()
	size := r.i64()
	crc := r.i64()
	_ = r.boolean() // inBuild
	_ = r.boolean() // changed
	_ = r.boolean() // prologue
	split := r.boolean()
	r.includes()

	return tablePrefix + key, Descriptor{Name: name, Size: size, CRC: crc, Split: split}
}

func (r *reader) mediaEntry() (string, Descriptor) {
	r.skip(4)
	_ = r.str() // key
	r.skip(1)
	r.skip(4)
	path := r.str()
	r.skip(4)
	fileName := r.str()
	size := r.i64()
	crc := r.i64()
	_ = r.boolean() // prologue
	split := r.boolean()
	r.skip(4) // media type

	path = strings.ReplaceAll(path, `\`, "/")
	return mediaPrefix + path, Descriptor{Name: fileName, Size: size, CRC: crc, Split: split}
}

// includes consumes a list of bundle names. The names aren't used, but they
// have to be read to keep the cursor aligned with the next entry.
func (r *reader) includes() {
	count := r.i32()
	if r.err != nil || count == -1 {
		return
	}
	if count < 0 {
		r.fail(fmt.Sprintf("negative includes count %d", count))
		return
	}

	r.skip(4)
	for i := int32(0); i < count && r.err == nil; i++ {
		_ = r.str()
		if i != count-1 {
			r.skip(4)
		}
	}
}

// reader is a cursor over a catalog. The first decoding failure is recorded
// in err, and every later read becomes a no-op returning the zero value.
type reader struct {
	data    []byte
	off     int
	catalog string
	err     error
}

func (r *reader) fail(reason string) {
	if r.err == nil {
		r.err = &errors.MalformedCatalogError{
			Catalog: r.catalog,
			Offset:  r.off,
			Reason:  reason,
		}
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.data)-r.off {
		r.fail(fmt.Sprintf("need %d bytes, only %d left", n, len(r.data)-r.off))
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) skip(n int) {
	r.take(n)
}

func (r *reader) i32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

func (r *reader) i64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

func (r *reader) boolean() bool {
	b := r.take(1)
	return b != nil && b[0] != 0
}

func (r *reader) str() string {
	length := r.i32()
	if r.err != nil {
		return ""
	}
	if length < 0 {
		r.fail(fmt.Sprintf("negative string length %d", length))
		return ""
	}
	return string(r.take(int(length)))
}
