// Package dbtabletest encodes WDBC tables for tests.
package dbtabletest

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"go.minimaps.dev/infra/scanner/go/dbtable"
)

// Build encodes rows into a WDBC body matching layout. Row values must be
// int/int32/uint32 for numeric columns and string for string columns.
func Build(layout dbtable.Layout, rows ...[]interface{}) []byte {
	var pool bytes.Buffer
	pool.WriteByte(0) // offset 0 is the empty string
	offsets := map[string]uint32{"": 0}
	intern := func(s string) uint32 {
		if off, ok := offsets[s]; ok {
			return off
		}
		off := uint32(pool.Len())
		pool.WriteString(s)
		pool.WriteByte(0)
		offsets[s] = off
		return off
	}

	le := binary.LittleEndian
	var records bytes.Buffer
	for r, row := range rows {
		if len(row) != len(layout.Columns) {
			panic(fmt.Sprintf("dbtabletest: row %d has %d values, layout has %d columns", r, len(row), len(layout.Columns)))
		}
		for i, col := range layout.Columns {
			var word uint32
			switch col.Kind {
			case dbtable.String:
				word = intern(row[i].(string))
			default:
				switch v := row[i].(type) {
				case int:
					word = uint32(int32(v))
				case int32:
					word = uint32(v)
				case uint32:
					word = v
				default:
					panic(fmt.Sprintf("dbtabletest: row %d column %q: unsupported value %T", r, col.Name, row[i]))
				}
			}
			_ = binary.Write(&records, le, word)
		}
	}

	var buf bytes.Buffer
	buf.WriteString("WDBC")
	_ = binary.Write(&buf, le, uint32(len(rows)))
	_ = binary.Write(&buf, le, uint32(len(layout.Columns)))
	_ = binary.Write(&buf, le, uint32(4*len(layout.Columns)))
	_ = binary.Write(&buf, le, uint32(pool.Len()))
	buf.Write(records.Bytes())
	buf.Write(pool.Bytes())
	return buf.Bytes()
}
