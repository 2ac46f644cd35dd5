// Package tactfs resolves file ids inside one game build to CDN resources.
// A FileSystem is constructed from the build's two config blobs and loads
// the encoding table, the install manifest, every archive index, the
// loose-file index and the root manifest up front; OpenByFileID is then a
// pure lookup and Open hands the chosen descriptor to the locator.
package tactfs

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/go/mmlog"
	"go.minimaps.dev/infra/scanner/go/tact"
)

// indexFetchers bounds concurrent archive-index loads; the locator's own
// semaphore still applies underneath.
const indexFetchers = 4

// Options adjusts FileSystem construction.
type Options struct {
	// SkipValidate turns off MD5 verification of the decompressed build
	// manifests (encoding, install, root).
	SkipValidate bool
}

// FileDescriptor is one resolved file: its keys, flags, and the locator
// descriptor that fetches its bytes.
type FileDescriptor struct {
	FileID       uint32
	CKey         types.ContentHash
	EKey         types.ContentHash
	LocaleFlags  uint32
	ContentFlags uint32
	// Size is the decompressed size the encoding table records.
	Size uint64
	// Resource fetches the BLTE-compressed body.
	Resource tact.ResourceDescriptor
}

// FileSystem is a read-only view of one build's files.
type FileSystem struct {
	loc      *tact.Locator
	product  string
	validate bool

	build    *Config
	server   *Config
	encoding *Encoding
	install  *Install
	archives *CompoundingIndex
	loose    *FileIndex
	root     *Root
}

// New loads a build's manifests and returns a FileSystem over them.
// A *blte.MissingKeyError from any manifest means the build itself is
// encrypted; it is passed through for the caller to route.
func New(ctx context.Context, loc *tact.Locator, product, buildConfigHex, cdnConfigHex string, opts Options) (*FileSystem, error) {
	fs := &FileSystem{loc: loc, product: product, validate: !opts.SkipValidate}

	var err error
	if fs.build, err = loadConfig(ctx, loc, product, buildConfigHex); err != nil {
		return nil, mmerr.Wrapf(err, "loading build config %s", buildConfigHex)
	}
	if fs.server, err = loadConfig(ctx, loc, product, cdnConfigHex); err != nil {
		return nil, mmerr.Wrapf(err, "loading CDN config %s", cdnConfigHex)
	}
	if err := fs.loadEncoding(ctx); err != nil {
		return nil, mmerr.Wrapf(err, "loading encoding")
	}
	if err := fs.loadInstall(ctx); err != nil {
		return nil, mmerr.Wrapf(err, "loading install")
	}
	if err := fs.loadIndices(ctx); err != nil {
		return nil, mmerr.Wrapf(err, "loading archive indices")
	}
	if err := fs.loadFileIndex(ctx); err != nil {
		return nil, mmerr.Wrapf(err, "loading file index")
	}
	if err := fs.loadRoot(ctx); err != nil {
		return nil, mmerr.Wrapf(err, "loading root")
	}
	mmlog.Infof("Filesystem ready for %s build %q: %d root entries, %d encoded, %d archived, %d loose",
		product, fs.BuildName(), fs.root.Len(), fs.encoding.Len(), fs.archives.Len(), fs.loose.Len())
	return fs, nil
}

// BuildName returns the config's human-readable build name.
func (fs *FileSystem) BuildName() string {
	return fs.build.Value("build-name")
}

// Install returns the build's install manifest.
func (fs *FileSystem) Install() *Install {
	return fs.install
}

func (fs *FileSystem) loadEncoding(ctx context.Context) error {
	keys, err := fs.build.Hashes("encoding")
	if err != nil {
		return err
	}
	if len(keys) < 2 {
		return mmerr.Fmt("build config %s names no encoding pair", fs.build.Hash)
	}
	ckey, ekey := keys[0], keys[1]
	// The encoding table is always stored loose; the indices that could say
	// otherwise are not loaded yet.
	h, err := fs.loc.OpenCompressedHandle(ctx, fs.looseDescriptor(ekey), ckey, fs.validate)
	if err != nil {
		return err
	}
	body, err := h.ReadAll()
	if err != nil {
		return err
	}
	fs.encoding, err = parseEncoding(body)
	return err
}

func (fs *FileSystem) loadInstall(ctx context.Context) error {
	keys, err := fs.build.Hashes("install")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fs.install = &Install{}
		return nil
	}
	ckey := keys[0]
	var ekey types.ContentHash
	if len(keys) > 1 {
		ekey = keys[1]
	} else {
		ekeys, ok := fs.encoding.EKeysFor(ckey)
		if !ok || len(ekeys) == 0 {
			return mmerr.Fmt("install %s not present in encoding", ckey)
		}
		ekey = ekeys[0]
	}
	h, err := fs.loc.OpenCompressedHandle(ctx, fs.looseDescriptor(ekey), ckey, fs.validate)
	if err != nil {
		return err
	}
	body, err := h.ReadAll()
	if err != nil {
		return err
	}
	fs.install, err = parseInstall(body)
	return err
}

func (fs *FileSystem) loadIndices(ctx context.Context) error {
	archives, err := fs.server.Hashes("archives")
	if err != nil {
		return err
	}
	fs.archives = newCompoundingIndex()

	var mtx sync.Mutex
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(indexFetchers)
	for _, archive := range archives {
		archive := archive
		eg.Go(func() error {
			h, err := fs.loc.OpenHandle(ctx, fs.indexDescriptor(archive))
			if err != nil {
				return mmerr.Wrapf(err, "index of archive %s", archive)
			}
			body, err := h.ReadAll()
			if err != nil {
				return err
			}
			mtx.Lock()
			defer mtx.Unlock()
			return fs.archives.addArchive(archive, body)
		})
	}
	return eg.Wait()
}

func (fs *FileSystem) loadFileIndex(ctx context.Context) error {
	hex := fs.server.Value("file-index")
	if hex == "" {
		fs.loose = nil
		return nil
	}
	key, err := types.ParseContentHash(hex)
	if err != nil {
		return err
	}
	h, err := fs.loc.OpenHandle(ctx, fs.indexDescriptor(key))
	if err != nil {
		return err
	}
	body, err := h.ReadAll()
	if err != nil {
		return err
	}
	fs.loose, err = parseFileIndex(body)
	return err
}

func (fs *FileSystem) loadRoot(ctx context.Context) error {
	hex := fs.build.Value("root")
	if hex == "" {
		return mmerr.Fmt("build config %s names no root", fs.build.Hash)
	}
	ckey, err := types.ParseContentHash(hex)
	if err != nil {
		return err
	}
	ekeys, ok := fs.encoding.EKeysFor(ckey)
	if !ok {
		return mmerr.Fmt("root %s not present in encoding", ckey)
	}
	for _, ekey := range ekeys {
		desc, ok := fs.resolveEKey(ekey)
		if !ok {
			continue
		}
		h, err := fs.loc.OpenCompressedHandle(ctx, desc, ckey, fs.validate)
		if err != nil {
			return err
		}
		body, err := h.ReadAll()
		if err != nil {
			return err
		}
		fs.root, err = parseRoot(body)
		return err
	}
	return mmerr.Fmt("no archive or loose copy of root %s", ckey)
}

// looseDescriptor fetches an encoding key stored loose on the CDN.
func (fs *FileSystem) looseDescriptor(ekey types.ContentHash) tact.ResourceDescriptor {
	return tact.ResourceDescriptor{
		Product:    fs.product,
		Kind:       tact.KindData,
		EKey:       ekey,
		RemotePath: tact.DataRemotePath(ekey.String()),
	}
}

// indexDescriptor fetches an index file, stored next to its archive.
func (fs *FileSystem) indexDescriptor(key types.ContentHash) tact.ResourceDescriptor {
	hex := key.String()
	return tact.ResourceDescriptor{
		Product:    fs.product,
		Kind:       tact.KindIndice,
		LocalPath:  "indices/" + hex + ".index",
		RemotePath: tact.IndexRemotePath(hex),
	}
}

// resolveEKey maps an encoding key to a fetchable descriptor: an archive
// segment when any archive holds it, else a loose file when the file index
// lists it.
func (fs *FileSystem) resolveEKey(ekey types.ContentHash) (tact.ResourceDescriptor, bool) {
	if al, ok := fs.archives.Resolve(ekey); ok {
		return tact.ResourceDescriptor{
			Product:    fs.product,
			Kind:       tact.KindData,
			EKey:       al.Archive,
			Offset:     al.Offset,
			Length:     al.Size,
			RemotePath: tact.DataRemotePath(al.Archive.String()),
		}, true
	}
	if fs.loose.Has(ekey) {
		return fs.looseDescriptor(ekey), true
	}
	return tact.ResourceDescriptor{}, false
}

// OpenByFileID returns the resolvable descriptors for a file id whose locale
// flags intersect locale, in root-manifest order. Per root entry the first
// encoding key with an archive or loose route wins. Unknown ids and ids with
// no resolvable body return an empty slice.
func (fs *FileSystem) OpenByFileID(fdid uint32, locale uint32) []FileDescriptor {
	var out []FileDescriptor
	for _, entry := range fs.root.EntriesFor(fdid) {
		if entry.LocaleFlags&locale == 0 {
			continue
		}
		size, _ := fs.encoding.FileSize(entry.CKey)
		ekeys, ok := fs.encoding.EKeysFor(entry.CKey)
		if !ok {
			mmlog.Debugf("File %d content %s missing from encoding", fdid, entry.CKey)
			continue
		}
		for _, ekey := range ekeys {
			desc, ok := fs.resolveEKey(ekey)
			if !ok {
				continue
			}
			out = append(out, FileDescriptor{
				FileID:       fdid,
				CKey:         entry.CKey,
				EKey:         ekey,
				LocaleFlags:  entry.LocaleFlags,
				ContentFlags: entry.ContentFlags,
				Size:         size,
				Resource:     desc,
			})
			break
		}
	}
	return out
}

// Open fetches and BLTE-decodes a descriptor's body. With validate set the
// decoded bytes must hash to the descriptor's content key.
func (fs *FileSystem) Open(ctx context.Context, fd FileDescriptor, validate bool) (tact.Handle, error) {
	return fs.loc.OpenCompressedHandle(ctx, fd.Resource, fd.CKey, validate)
}
