// Package memcatalogstore is an in-memory catalogstore.Store for tests and
// local development. It mirrors the SQL implementation's upsert semantics,
// including the map identity guard and the key-discovery requeue rules.
package memcatalogstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.minimaps.dev/infra/catalog/go/catalogstore"
	"go.minimaps.dev/infra/catalog/go/rpc"
	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/go/now"
)

type productKey struct {
	build   types.BuildVersion
	product string
}

type sourceKey struct {
	configBuild   string
	configCDN     string
	configProduct string
}

type productRow struct {
	id      int64
	regions map[string]bool
	// sources preserves insertion order; the last entry is the newest.
	sources []sourceEntry

	state         types.ScanState
	lastScanned   time.Time
	scanSeconds   float64
	exception     string
	encryptedKey  string
	encryptedMaps map[string][]int32
}

type sourceEntry struct {
	key     sourceKey
	regions map[string]bool
}

type mapRow struct {
	directory     string
	name          string
	fields        map[string]interface{}
	latestVersion types.BuildVersion
	nameHistory   map[string]string
	firstMinimap  *types.BuildVersion
	lastMinimap   *types.BuildVersion
}

type buildMapKey struct {
	build types.BuildVersion
	mapID int32
}

type buildMapRow struct {
	tiles           *int16
	compositionHash *types.ContentHash
}

// Store implements catalogstore.Store in memory.
type Store struct {
	mu            sync.Mutex
	builds        map[types.BuildVersion]string
	products      map[productKey]*productRow
	nextProductID int64
	maps          map[int32]*mapRow
	buildMaps     map[buildMapKey]buildMapRow
	compositions  map[types.ContentHash]rpc.Composition
	tiles         map[types.ContentHash]time.Time
	keys          map[string]rpc.TACTKey
	settings      map[string]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		builds:        map[types.BuildVersion]string{},
		products:      map[productKey]*productRow{},
		nextProductID: 1,
		maps:          map[int32]*mapRow{},
		buildMaps:     map[buildMapKey]buildMapRow{},
		compositions:  map[types.ContentHash]rpc.Composition{},
		tiles:         map[types.ContentHash]time.Time{},
		keys:          map[string]rpc.TACTKey{},
		settings:      map[string]string{},
	}
}

// RegisterDiscovered implements catalogstore.Store.
func (s *Store) RegisterDiscovered(ctx context.Context, builds []rpc.DiscoveredBuild) ([]rpc.DiscoveredBuild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := []rpc.DiscoveredBuild{}
	for _, b := range builds {
		if _, ok := s.builds[b.Version]; !ok {
			s.builds[b.Version] = b.VersionName
		}
		key := productKey{build: b.Version, product: b.Product}
		p, ok := s.products[key]
		if !ok {
			p = &productRow{
				id:      s.nextProductID,
				regions: map[string]bool{},
				state:   types.ScanStatePending,
			}
			s.nextProductID++
			s.products[key] = p
		}
		for _, r := range b.Regions {
			p.regions[r] = true
		}
		sk := sourceKey{configBuild: b.BuildConfig, configCDN: b.CDNConfig, configProduct: b.ProductConfig}
		found := false
		for _, src := range p.sources {
			if src.key == sk {
				for _, r := range b.Regions {
					src.regions[r] = true
				}
				found = true
				break
			}
		}
		if !found {
			regions := map[string]bool{}
			for _, r := range b.Regions {
				regions[r] = true
			}
			p.sources = append(p.sources, sourceEntry{key: sk, regions: regions})
		}
		if !p.state.Terminal() {
			ret = append(ret, b)
		}
	}
	return ret, nil
}

// PendingJobs implements catalogstore.Store.
func (s *Store) PendingJobs(ctx context.Context) ([]rpc.DiscoveredBuild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := []rpc.DiscoveredBuild{}
	for key, p := range s.products {
		if p.state.Terminal() || len(p.sources) == 0 {
			continue
		}
		src := p.sources[len(p.sources)-1]
		ret = append(ret, rpc.DiscoveredBuild{
			Product:       key.product,
			Version:       key.build,
			VersionName:   s.builds[key.build],
			BuildConfig:   src.key.configBuild,
			CDNConfig:     src.key.configCDN,
			ProductConfig: src.key.configProduct,
			Regions:       sortedKeys(p.regions),
		})
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Version != ret[j].Version {
			return ret[i].Version < ret[j].Version
		}
		return ret[i].Product < ret[j].Product
	})
	return ret, nil
}

// UpdateScanState implements catalogstore.Store.
func (s *Store) UpdateScanState(ctx context.Context, update rpc.ScanStateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productKey{build: update.Version, product: update.Product}]
	if !ok {
		return mmerr.Fmt("no product %q for build %s", update.Product, update.Version)
	}
	p.state = update.State
	p.lastScanned = now.Now(ctx).UTC()
	p.scanSeconds = update.ScanSeconds
	p.exception = update.Exception
	p.encryptedKey = update.EncryptedKey
	p.encryptedMaps = update.EncryptedMaps
	return nil
}

// ScanState returns the recorded state of one product scan, for tests.
func (s *Store) ScanState(version types.BuildVersion, product string) (rpc.ScanStateUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productKey{build: version, product: product}]
	if !ok {
		return rpc.ScanStateUpdate{}, false
	}
	return rpc.ScanStateUpdate{
		Product:       product,
		Version:       version,
		State:         p.state,
		Exception:     p.exception,
		EncryptedKey:  p.encryptedKey,
		EncryptedMaps: p.encryptedMaps,
		ScanSeconds:   p.scanSeconds,
	}, true
}

// BuildMap returns the recorded build-map link, for tests.
func (s *Store) BuildMap(version types.BuildVersion, mapID int32) (rpc.BuildMapUpsert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.buildMaps[buildMapKey{build: version, mapID: mapID}]
	if !ok {
		return rpc.BuildMapUpsert{}, false
	}
	return rpc.BuildMapUpsert{
		Version:         version,
		MapID:           mapID,
		Tiles:           row.tiles,
		CompositionHash: row.compositionHash,
	}, true
}

// MissingTiles implements catalogstore.Store.
func (s *Store) MissingTiles(ctx context.Context, hashes []types.ContentHash) ([]types.ContentHash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	missing := []types.ContentHash{}
	seen := map[types.ContentHash]bool{}
	for _, h := range hashes {
		if seen[h] {
			continue
		}
		seen[h] = true
		if _, ok := s.tiles[h]; !ok {
			missing = append(missing, h)
		}
	}
	return missing, nil
}

// InsertTile implements catalogstore.Store.
func (s *Store) InsertTile(ctx context.Context, hash types.ContentHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tiles[hash]; !ok {
		s.tiles[hash] = now.Now(ctx).UTC()
	}
	return nil
}

// DeleteTile implements catalogstore.Store.
func (s *Store) DeleteTile(ctx context.Context, hash types.ContentHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tiles, hash)
	return nil
}

// AllTileHashes implements catalogstore.Store.
func (s *Store) AllTileHashes(ctx context.Context) ([]types.ContentHash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := make([]types.ContentHash, 0, len(s.tiles))
	for h := range s.tiles {
		ret = append(ret, h)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Less(ret[j]) })
	return ret, nil
}

// UpsertMap implements catalogstore.Store.
func (s *Store) UpsertMap(ctx context.Context, m rpc.MapUpsert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.maps[m.ID]
	if !ok {
		row = &mapRow{nameHistory: map[string]string{}}
		s.maps[m.ID] = row
	}
	if !ok || m.Version >= row.latestVersion {
		row.directory = m.Directory
		row.name = m.Name
		row.fields = m.Fields
		if m.Version > row.latestVersion {
			row.latestVersion = m.Version
		}
	}
	row.nameHistory[strconv.FormatInt(m.Version.ID(), 10)] = m.Name
	return nil
}

// UpsertBuildMap implements catalogstore.Store.
func (s *Store) UpsertBuildMap(ctx context.Context, bm rpc.BuildMapUpsert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buildMaps[buildMapKey{build: bm.Version, mapID: bm.MapID}] = buildMapRow{
		tiles:           bm.Tiles,
		compositionHash: bm.CompositionHash,
	}
	if bm.CompositionHash == nil {
		return nil
	}
	row, ok := s.maps[bm.MapID]
	if !ok {
		row = &mapRow{nameHistory: map[string]string{}}
		s.maps[bm.MapID] = row
	}
	v := bm.Version
	if row.firstMinimap == nil || v < *row.firstMinimap {
		row.firstMinimap = &v
	}
	if row.lastMinimap == nil || v > *row.lastMinimap {
		row.lastMinimap = &v
	}
	return nil
}

// UpsertComposition implements catalogstore.Store.
func (s *Store) UpsertComposition(ctx context.Context, comp rpc.Composition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.compositions[comp.Hash]; ok {
		if len(comp.LOD) > 0 {
			existing.LOD = comp.LOD
			s.compositions[comp.Hash] = existing
		}
		return nil
	}
	s.compositions[comp.Hash] = comp
	return nil
}

// UpsertTACTKeys implements catalogstore.Store.
func (s *Store) UpsertTACTKeys(ctx context.Context, keys []rpc.TACTKey) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newNames := []string{}
	for _, k := range keys {
		if _, ok := s.keys[k.Name]; ok {
			continue
		}
		k.Discovered = now.Now(ctx).UTC()
		s.keys[k.Name] = k
		newNames = append(newNames, k.Name)
	}
	return newNames, nil
}

// ListTACTKeys implements catalogstore.Store.
func (s *Store) ListTACTKeys(ctx context.Context) ([]rpc.TACTKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := make([]rpc.TACTKey, 0, len(s.keys))
	for _, k := range s.keys {
		ret = append(ret, k)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret, nil
}

// RequeueScansBlockedOn implements catalogstore.Store.
func (s *Store) RequeueScansBlockedOn(ctx context.Context, keyName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range s.products {
		blocked := false
		switch p.state {
		case types.ScanStateEncryptedBuild, types.ScanStateEncryptedMapDatabase:
			blocked = p.encryptedKey == keyName
		case types.ScanStatePartialDecrypt:
			_, blocked = p.encryptedMaps[keyName]
		}
		if blocked {
			p.state = types.ScanStatePending
			n++
		}
	}
	return n, nil
}

// ListMaps implements catalogstore.Store.
func (s *Store) ListMaps(ctx context.Context) ([]rpc.MapSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := make([]rpc.MapSummary, 0, len(s.maps))
	for id, row := range s.maps {
		ret = append(ret, rpc.MapSummary{
			ID:           id,
			Name:         row.name,
			Directory:    row.directory,
			Parent:       parentOf(row.fields),
			FirstMinimap: row.firstMinimap,
			LastMinimap:  row.lastMinimap,
		})
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}

// parentOf derives the parent map id the way the SQL schema's generated
// column does: CosmeticParentMapID unless -1, else ParentMapID unless -1.
func parentOf(fields map[string]interface{}) *int32 {
	for _, name := range []string{"CosmeticParentMapID", "ParentMapID"} {
		v, ok := fields[name]
		if !ok {
			continue
		}
		n, ok := asInt32(v)
		if !ok || n == -1 {
			continue
		}
		return &n
	}
	return nil
}

func asInt32(v interface{}) (int32, bool) {
	switch n := v.(type) {
	case int:
		return int32(n), true
	case int32:
		return n, true
	case int64:
		return int32(n), true
	case float64:
		return int32(n), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 32)
		if err != nil {
			return 0, false
		}
		return int32(parsed), true
	}
	return 0, false
}

// MapVersions implements catalogstore.Store.
func (s *Store) MapVersions(ctx context.Context, mapID int32) ([]rpc.MapVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := []rpc.MapVersion{}
	for key, row := range s.buildMaps {
		if key.mapID != mapID || row.compositionHash == nil {
			continue
		}
		ret = append(ret, rpc.MapVersion{
			Version:         key.build,
			VersionName:     s.builds[key.build],
			Tiles:           row.tiles,
			CompositionHash: row.compositionHash,
		})
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Version > ret[j].Version })
	return ret, nil
}

// GetComposition implements catalogstore.Store.
func (s *Store) GetComposition(ctx context.Context, hash types.ContentHash) (rpc.Composition, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	comp, ok := s.compositions[hash]
	return comp, ok, nil
}

// GetSetting implements catalogstore.Store.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.settings[key]
	return v, ok, nil
}

// PutSetting implements catalogstore.Store.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings[key] = value
	return nil
}

func sortedKeys(m map[string]bool) []string {
	ret := make([]string, 0, len(m))
	for k := range m {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}

var _ catalogstore.Store = (*Store)(nil)
