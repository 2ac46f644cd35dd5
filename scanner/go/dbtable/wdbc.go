package dbtable

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"go.minimaps.dev/infra/go/mmerr"
)

// WDBC decodes the classic fixed-width container: a 20-byte header of
// little-endian u32s (magic "WDBC", record count, field count, record size,
// string block size), records of fieldCount 4-byte words, and a
// NUL-terminated string block that string fields index by byte offset.
type WDBC struct{}

var wdbcMagic = []byte("WDBC")

// Rows implements Decoder. Rows are materialized up front so string offsets
// are validated here rather than mid-iteration.
func (WDBC) Rows(data []byte, layout Layout) (Iterator, error) {
	if len(data) < 20 || !bytes.Equal(data[:4], wdbcMagic) {
		return nil, mmerr.Fmt("not a WDBC table")
	}
	le := binary.LittleEndian
	recordCount := int(le.Uint32(data[4:]))
	fieldCount := int(le.Uint32(data[8:]))
	recordSize := int(le.Uint32(data[12:]))
	stringSize := int(le.Uint32(data[16:]))
	if fieldCount != len(layout.Columns) {
		return nil, mmerr.Fmt("table has %d fields, the layout for file %d names %d",
			fieldCount, layout.FileDataID, len(layout.Columns))
	}
	if recordSize != 4*fieldCount {
		return nil, mmerr.Fmt("record size %d does not fit %d 4-byte fields", recordSize, fieldCount)
	}
	if want := 20 + recordCount*recordSize + stringSize; len(data) != want {
		return nil, mmerr.Fmt("table is %d bytes, the header promises %d", len(data), want)
	}
	records := data[20 : 20+recordCount*recordSize]
	stringBlock := data[20+recordCount*recordSize:]

	index := make(map[string]int, len(layout.Columns))
	for i, col := range layout.Columns {
		index[col.Name] = i
	}

	rows := make([]wdbcRow, recordCount)
	for r := range rows {
		rec := records[r*recordSize:]
		values := make([]uint32, fieldCount)
		var texts []string
		for f, col := range layout.Columns {
			values[f] = le.Uint32(rec[4*f:])
			if col.Kind == String {
				s, err := stringAt(stringBlock, values[f])
				if err != nil {
					return nil, mmerr.Wrapf(err, "record %d column %s", r, col.Name)
				}
				if texts == nil {
					texts = make([]string, fieldCount)
				}
				texts[f] = s
			}
		}
		rows[r] = wdbcRow{layout: layout, index: index, values: values, texts: texts}
	}
	return &sliceIterator{rows: rows}, nil
}

func stringAt(block []byte, off uint32) (string, error) {
	if int(off) >= len(block) {
		return "", mmerr.Fmt("string offset %d outside the %d-byte block", off, len(block))
	}
	end := bytes.IndexByte(block[off:], 0)
	if end < 0 {
		return "", mmerr.Fmt("unterminated string at offset %d", off)
	}
	return string(block[off : int(off)+end]), nil
}

type wdbcRow struct {
	layout Layout
	index  map[string]int
	values []uint32
	texts  []string
}

func (r wdbcRow) col(name string, want Kind) int {
	i, ok := r.index[name]
	if !ok {
		panic(fmt.Sprintf("dbtable: the layout for file %d has no column %q", r.layout.FileDataID, name))
	}
	if got := r.layout.Columns[i].Kind; got != want {
		panic(fmt.Sprintf("dbtable: column %q is %s, read as %s", name, got, want))
	}
	return i
}

func (r wdbcRow) Int32(name string) int32 {
	return int32(r.values[r.col(name, Int32)])
}

func (r wdbcRow) Uint32(name string) uint32 {
	return r.values[r.col(name, Uint32)]
}

func (r wdbcRow) String(name string) string {
	return r.texts[r.col(name, String)]
}

func (r wdbcRow) Fields() map[string]interface{} {
	out := make(map[string]interface{}, len(r.layout.Columns))
	for i, col := range r.layout.Columns {
		switch col.Kind {
		case Int32:
			out[col.Name] = int32(r.values[i])
		case Uint32:
			out[col.Name] = r.values[i]
		case String:
			out[col.Name] = r.texts[i]
		}
	}
	return out
}

type sliceIterator struct {
	rows []wdbcRow
	pos  int
}

func (it *sliceIterator) Next() bool {
	if it.pos < len(it.rows) {
		it.pos++
		return true
	}
	return false
}

func (it *sliceIterator) Row() Row {
	return it.rows[it.pos-1]
}

func (it *sliceIterator) Err() error {
	return nil
}
