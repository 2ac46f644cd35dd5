// Package mapdb reads the game's map table: one row per map, naming the
// map's directory and the file id of its WDT.
package mapdb

import (
	"context"
	"path"
	"strconv"

	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/scanner/go/dbtable"
	"go.minimaps.dev/infra/scanner/go/tactfs"
)

// Table locates the map table and names the columns the scanner reads.
var Table = dbtable.Layout{
	FileDataID: 1349477,
	Columns: []dbtable.Column{
		{Name: "ID", Kind: dbtable.Int32},
		{Name: "Directory", Kind: dbtable.String},
		{Name: "MapName_lang", Kind: dbtable.String},
		{Name: "WdtFileDataID", Kind: dbtable.Uint32},
		{Name: "ParentMapID", Kind: dbtable.Int32},
		{Name: "CosmeticParentMapID", Kind: dbtable.Int32},
		{Name: "ExpansionID", Kind: dbtable.Int32},
		{Name: "MapType", Kind: dbtable.Int32},
		{Name: "Flags", Kind: dbtable.Int32},
	},
}

// Map is one map table row. A WdtFileDataID of zero means the map ships no
// terrain and therefore no minimap.
type Map struct {
	ID                  int32
	Directory           string
	Name                string
	WdtFileDataID       uint32
	ParentMapID         int32
	CosmeticParentMapID int32
	ExpansionID         int32
	MapType             int32
	Flags               int32

	fields map[string]interface{}
}

// Parent resolves the display parent: the cosmetic parent when one is set,
// else the literal parent. -1 means none.
func (m Map) Parent() int32 {
	if m.CosmeticParentMapID >= 0 {
		return m.CosmeticParentMapID
	}
	return m.ParentMapID
}

// Fields returns the raw decoded row, for the catalog's map upsert.
func (m Map) Fields() map[string]interface{} {
	return m.fields
}

// Read loads and decodes the map table from a build. A *blte.MissingKeyError
// from the table body passes through untouched; the caller routes it to the
// encrypted-map-database scan state.
func Read(ctx context.Context, fs *tactfs.FileSystem, dec dbtable.Decoder) ([]Map, error) {
	descs := fs.OpenByFileID(Table.FileDataID, tactfs.LocaleAll)
	if len(descs) == 0 {
		return nil, mmerr.Fmt("map table (file %d) absent from build", Table.FileDataID)
	}
	h, err := fs.Open(ctx, descs[0], true)
	if err != nil {
		return nil, err
	}
	body, err := h.ReadAll()
	if err != nil {
		return nil, err
	}
	it, err := dec.Rows(body, Table)
	if err != nil {
		return nil, mmerr.Wrapf(err, "decoding map table")
	}
	var maps []Map
	for it.Next() {
		row := it.Row()
		maps = append(maps, Map{
			ID:                  row.Int32("ID"),
			Directory:           row.String("Directory"),
			Name:                row.String("MapName_lang"),
			WdtFileDataID:       row.Uint32("WdtFileDataID"),
			ParentMapID:         row.Int32("ParentMapID"),
			CosmeticParentMapID: row.Int32("CosmeticParentMapID"),
			ExpansionID:         row.Int32("ExpansionID"),
			MapType:             row.Int32("MapType"),
			Flags:               row.Int32("Flags"),
			fields:              row.Fields(),
		})
	}
	if err := it.Err(); err != nil {
		return nil, mmerr.Wrapf(err, "reading map table rows")
	}
	return maps, nil
}

// Filter returns the maps whose decimal id matches one of the path.Match
// globs. No patterns means every map.
func Filter(maps []Map, patterns []string) []Map {
	if len(patterns) == 0 {
		return maps
	}
	var out []Map
	for _, m := range maps {
		id := strconv.Itoa(int(m.ID))
		for _, pattern := range patterns {
			if ok, _ := path.Match(pattern, id); ok {
				out = append(out, m)
				break
			}
		}
	}
	return out
}
