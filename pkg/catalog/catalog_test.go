package catalog

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/assetsync/pkg/errors"
)

// catalogWriter builds binary catalogs for tests.
type catalogWriter struct {
	bytes.Buffer
}

func (w *catalogWriter) i32(v int32) {
	_ = binary.Write(&w.Buffer, binary.LittleEndian, v)
}

func (w *catalogWriter) i64(v int64) {
	_ = binary.Write(&w.Buffer, binary.LittleEndian, v)
}

func (w *catalogWriter) boolean(v bool) {
	if v {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

func (w *catalogWriter) str(s string) {
	w.i32(int32(len(s)))
	w.WriteString(s)
}

type tableEntry struct {
	key, name string
	size, crc int64
	split     bool
	includes  []string
}

func (w *catalogWriter) table(entries ...tableEntry) []byte {
	w.WriteByte(0x7f)
	w.i32(int32(len(entries)))
	for _, e := range entries {
		w.i32(9)
		w.str(e.key)
		w.WriteByte(3)
		w.i32(9)
		w.str(e.name)
		w.i64(e.size)
		w.i64(e.crc)
		w.boolean(true)
		w.boolean(false)
		w.boolean(true)
		w.boolean(e.split)
		if e.includes == nil {
			w.i32(-1)
			continue
		}
		w.i32(int32(len(e.includes)))
		w.i32(0)
		for i, inc := range e.includes {
			w.str(inc)
			if i != len(e.includes)-1 {
				w.i32(0)
			}
		}
	}
	return w.Bytes()
}

type mediaEntry struct {
	key, path, fileName string
	size, crc           int64
	split               bool
}

func (w *catalogWriter) media(entries ...mediaEntry) []byte {
	w.WriteByte(0x7f)
	w.i32(int32(len(entries)))
	for _, e := range entries {
		w.i32(11)
		w.str(e.key)
		w.WriteByte(3)
		w.i32(11)
		w.str(e.path)
		w.i32(11)
		w.str(e.fileName)
		w.i64(e.size)
		w.i64(e.crc)
		w.boolean(false)
		w.boolean(e.split)
		w.i32(2)
	}
	return w.Bytes()
}

func TestParseTable(t *testing.T) {
	entries := []tableEntry{
		{key: "Excel.zip", name: "Excel.zip", size: 1024, crc: 3735928559, split: false},
		{key: "DB.zip", name: "DB.zip", size: 1 << 33, crc: 1, split: true,
			includes: []string{"a"}},
		{key: "Scenario.zip", name: "Scenario.zip", size: 7, crc: 42,
			includes: []string{"x", "y", "z"}},
		{key: "Empty.zip", name: "Empty.zip", size: 0, crc: 0, includes: []string{}},
	}
	data := (&catalogWriter{}).table(entries...)
	orig := append([]byte(nil), data...)

	c, err := ParseBinary(data, TableVariant)
	require.NoError(t, err)
	assert.Equal(t, orig, data, "the input must not be modified")

	assert.Len(t, c, len(entries))
	for _, e := range entries {
		assert.Equal(t, Descriptor{Name: e.name, Size: e.size, CRC: e.crc, Split: e.split},
			c["TableBundles/"+e.key])
	}
}

func TestParseMedia(t *testing.T) {
	data := (&catalogWriter{}).media(
		mediaEntry{key: "k1", path: `Audio\VOC_JP\JP_Aru\aru_01.ogg`, fileName: "aru_01.ogg",
			size: 55, crc: 99, split: true},
		mediaEntry{key: "k2", path: "Catalog/MediaCatalog.bytes", fileName: "MediaCatalog.bytes",
			size: 10, crc: 11},
	)

	c, err := ParseBinary(data, MediaVariant)
	require.NoError(t, err)
	assert.Equal(t, Catalog{
		"MediaResources/Audio/VOC_JP/JP_Aru/aru_01.ogg": {
			Name: "aru_01.ogg", Size: 55, CRC: 99, Split: true},
		"MediaResources/Catalog/MediaCatalog.bytes": {
			Name: "MediaCatalog.bytes", Size: 10, CRC: 11},
	}, c)
}

func TestParseBinaryMalformed(t *testing.T) {
	valid := (&catalogWriter{}).table(
		tableEntry{key: "a", name: "a", size: 1, crc: 2, includes: []string{"b", "c"}})

	lengthTooLong := &catalogWriter{}
	lengthTooLong.WriteByte(0)
	lengthTooLong.i32(1)
	lengthTooLong.i32(0)
	lengthTooLong.i32(1000)
	lengthTooLong.WriteString("short")

	negativeLength := &catalogWriter{}
	negativeLength.WriteByte(0)
	negativeLength.i32(1)
	negativeLength.i32(0)
	negativeLength.i32(-5)

	negativeCount := &catalogWriter{}
	negativeCount.WriteByte(0)
	negativeCount.i32(-2)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "Empty", data: nil},
		{name: "MissingCount", data: []byte{0, 1}},
		{name: "NegativeCount", data: negativeCount.Bytes()},
		{name: "StringLongerThanInput", data: lengthTooLong.Bytes()},
		{name: "NegativeStringLength", data: negativeLength.Bytes()},
		{name: "TruncatedEntry", data: valid[:len(valid)-3]},
		{name: "MoreEntriesThanData", data: append([]byte{0, 2, 0, 0, 0}, valid[5:]...)},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			_, err := ParseBinary(test.data, TableVariant)
			var malformed *errors.MalformedCatalogError
			require.True(t, errors.As(err, &malformed), "unexpected error: %v", err)
			assert.Equal(t, "table", malformed.Catalog)
		})
	}
}

func TestParseManifestJSON(t *testing.T) {
	c, err := ParseManifestJSON([]byte(`{
		"Version": 3,
		"BundleFiles": [
			{"Name": "ui-common.bundle", "Size": 2048, "Crc": 4000000000, "IsSplitDownload": false},
			{"Name": "char-aru.bundle", "Size": 12, "Crc": 7, "IsSplitDownload": true, "Extra": 1}
		]
	}`))
	require.NoError(t, err)
	assert.Equal(t, Catalog{
		"Android/ui-common.bundle": {Name: "ui-common.bundle", Size: 2048, CRC: 4000000000},
		"Android/char-aru.bundle":  {Name: "char-aru.bundle", Size: 12, CRC: 7, Split: true},
	}, c)

	c, err = ParseManifestJSON([]byte(`{"BundleFiles": []}`))
	assert.NoError(t, err)
	assert.Empty(t, c)

	for _, bad := range []string{`{"BundleFiles": [`, `{}`, `{"BundleFiles": [{"Size": "x"}]}`} {
		_, err := ParseManifestJSON([]byte(bad))
		var malformed *errors.MalformedCatalogError
		assert.True(t, errors.As(err, &malformed), "input %q", bad)
	}
}

func TestSourcesParse(t *testing.T) {
	sources := Sources()
	require.Len(t, sources, 3)

	table := (&catalogWriter{}).table(tableEntry{key: "a", name: "a", size: 1, crc: 1})
	c, err := sources[0].Parse(table)
	require.NoError(t, err)
	assert.Contains(t, c, "TableBundles/a")

	media := (&catalogWriter{}).media(mediaEntry{key: "a", path: "b", fileName: "b", size: 1})
	c, err = sources[1].Parse(media)
	require.NoError(t, err)
	assert.Contains(t, c, "MediaResources/b")

	c, err = sources[2].Parse([]byte(`{"BundleFiles":[{"Name":"x.bundle"}]}`))
	require.NoError(t, err)
	assert.Contains(t, c, "Android/x.bundle")

	for _, s := range sources {
		assert.True(t, strings.HasPrefix(s.HashPath, s.Path[:strings.LastIndex(s.Path, "/")]))
	}
}

func TestDescriptorMatches(t *testing.T) {
	contents := []byte("hello world")
	crc, size, err := Checksum(bytes.NewReader(contents))
	require.NoError(t, err)
	assert.Equal(t, crc32.ChecksumIEEE(contents), crc)
	assert.Equal(t, int64(len(contents)), size)

	desc := Descriptor{Name: "a", Size: size, CRC: int64(crc)}
	assert.True(t, desc.Matches(crc, size))
	assert.False(t, desc.Matches(crc+1, size))
	assert.False(t, desc.Matches(crc, size-1))

	renamed := desc
	renamed.Name = "something else"
	assert.True(t, renamed.Matches(crc, size))

	assert.True(t, Empty.IsEmpty())
	assert.True(t, Empty.Matches(0, 0))
	assert.True(t, Empty.Matches(12345, 99))
}

func TestSortedAndFilter(t *testing.T) {
	c := Catalog{
		"a": {Size: 1},
		"b": {Size: 300},
		"c": {Size: 20},
		"d": {Size: 20},
	}
	var order []string
	for _, e := range c.Sorted() {
		order = append(order, e.Path)
	}
	assert.Equal(t, []string{"b", "c", "d", "a"}, order)
	assert.Equal(t, int64(341), c.TotalSize())

	removed := c.Filter(func(path string) bool { return path != "c" })
	assert.Equal(t, 1, removed)
	assert.NotContains(t, c, "c")
	assert.Len(t, c, 3)
}
