// Package dbtable reads the game client's database tables. The decoder is a
// deliberate seam: production wiring injects whichever container decoder the
// deployment carries, while the WDBC reference implementation in this package
// documents the contract and keeps the tree self-sufficient.
package dbtable

// Kind is a column's decoded type.
type Kind int

const (
	Int32 Kind = iota
	Uint32
	String
)

func (k Kind) String() string {
	switch k {
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	case String:
		return "string"
	default:
		return "unknown"
	}
}

// Column names one field of a table record.
type Column struct {
	Name string
	Kind Kind
}

// Layout describes a table: the file id it lives at and its columns in
// record order. Layouts are compiled into the readers that use them.
type Layout struct {
	FileDataID uint32
	Columns    []Column
}

// Row is fielded access to one record. Layouts are static, so asking for a
// column the layout does not name, or with the wrong kind, panics — that is
// a bug in the caller, not bad input.
type Row interface {
	Int32(column string) int32
	Uint32(column string) uint32
	String(column string) string
	// Fields returns the whole record as a column name to value map.
	Fields() map[string]interface{}
}

// Iterator walks a table's rows.
type Iterator interface {
	Next() bool
	Row() Row
	Err() error
}

// Decoder turns a decompressed table body into rows.
type Decoder interface {
	Rows(data []byte, layout Layout) (Iterator, error)
}
