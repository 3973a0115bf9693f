package objstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DirBucket exposes the regular files below a directory as objects. Object
// names use forward slashes relative to the root. Custom metadata is not
// persisted.
type DirBucket struct {
	name    string
	root    string
	readDir func(string) ([]fs.DirEntry, error)
}

// NewDirBucket creates root if needed and returns a bucket over it.
func NewDirBucket(name, root string) (*DirBucket, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve bucket root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket root: %w", err)
	}
	return &DirBucket{name: name, root: abs, readDir: os.ReadDir}, nil
}

func (b *DirBucket) Name() string { return b.name }

// Root returns the directory backing the bucket.
func (b *DirBucket) Root() string { return b.root }

func (b *DirBucket) Attrs(_ context.Context, name string) (ObjectAttrs, error) {
	p, err := b.localPath(name)
	if err != nil {
		return ObjectAttrs{}, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.Mode().IsRegular()) {
		return ObjectAttrs{}, fmt.Errorf("%s/%s: %w", b.name, name, ErrObjectNotExist)
	}
	if err != nil {
		return ObjectAttrs{}, fmt.Errorf("stat %s: %w", name, err)
	}
	return b.attrsFromInfo(name, info), nil
}

// List serves delimited listings from the single directory holding
// q.Prefix, so memory per call is bounded by that directory's entries.
// Subdirectories become prefixes when they hold at least one object.
// Flat listings walk only the subtree below that directory.
func (b *DirBucket) List(ctx context.Context, q Query) (Page, error) {
	var (
		names []string
		infos map[string]fs.FileInfo
		err   error
	)
	if q.Delimiter == "/" {
		names, infos, err = b.listDir(ctx, q.Prefix)
	} else {
		names, infos, err = b.walk(ctx, q.Prefix)
	}
	if err != nil {
		return Page{}, fmt.Errorf("list %s: %w", b.name, err)
	}
	slices.Sort(names)

	return paginate(names, q, func(name string) (ObjectAttrs, bool) {
		info, ok := infos[name]
		if !ok {
			return ObjectAttrs{}, false
		}
		return b.attrsFromInfo(name, info), true
	}), nil
}

// prefixDir splits an object prefix into the directory that holds its
// matches ("" for the root) and that directory's local path.
func (b *DirBucket) prefixDir(prefix string) (string, string) {
	dir := ""
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = prefix[:i+1]
	}
	return dir, filepath.Join(b.root, filepath.FromSlash(dir))
}

func (b *DirBucket) listDir(ctx context.Context, prefix string) ([]string, map[string]fs.FileInfo, error) {
	dir, local := b.prefixDir(prefix)
	entries, err := b.readDir(local)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var names []string
	infos := make(map[string]fs.FileInfo)
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		name := dir + e.Name()
		if !strings.HasPrefix(name, prefix) || isTemp(e.Name()) {
			continue
		}
		switch {
		case e.IsDir():
			ok, err := b.hasObject(ctx, filepath.Join(local, e.Name()))
			if err != nil {
				return nil, nil, err
			}
			if ok {
				// paginate collapses the trailing delimiter into a prefix
				names = append(names, name+"/")
			}
		case e.Type().IsRegular():
			info, err := e.Info()
			if err != nil {
				return nil, nil, err
			}
			names = append(names, name)
			infos[name] = info
		}
	}
	return names, infos, nil
}

// hasObject reports whether any regular file lives below local. Files are
// checked before subdirectories so the search stops as shallow as it can.
func (b *DirBucket) hasObject(ctx context.Context, local string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	entries, err := b.readDir(local)
	if err != nil {
		return false, err
	}
	var dirs []string
	for _, e := range entries {
		switch {
		case e.IsDir():
			dirs = append(dirs, e.Name())
		case e.Type().IsRegular() && !isTemp(e.Name()):
			return true, nil
		}
	}
	for _, d := range dirs {
		ok, err := b.hasObject(ctx, filepath.Join(local, d))
		if ok || err != nil {
			return ok, err
		}
	}
	return false, nil
}

func (b *DirBucket) walk(ctx context.Context, prefix string) ([]string, map[string]fs.FileInfo, error) {
	_, start := b.prefixDir(prefix)
	var names []string
	infos := make(map[string]fs.FileInfo)
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == start && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() || isTemp(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		names = append(names, name)
		infos[name] = info
		return nil
	})
	return names, infos, err
}

// isTemp matches the files Put writes before renaming into place.
func isTemp(base string) bool {
	return strings.HasPrefix(base, ".put-")
}

func (b *DirBucket) Put(_ context.Context, name string, data []byte, _ PutOptions) (ObjectAttrs, error) {
	p, err := b.localPath(name)
	if err != nil {
		return ObjectAttrs{}, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return ObjectAttrs{}, fmt.Errorf("put %s: %w", name, err)
	}
	// Write then rename so watchers never see a partial object.
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return ObjectAttrs{}, fmt.Errorf("put %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return ObjectAttrs{}, fmt.Errorf("put %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return ObjectAttrs{}, fmt.Errorf("put %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return ObjectAttrs{}, fmt.Errorf("put %s: %w", name, err)
	}
	info, err := os.Stat(p)
	if err != nil {
		return ObjectAttrs{}, fmt.Errorf("put %s: %w", name, err)
	}
	return b.attrsFromInfo(name, info), nil
}

func (b *DirBucket) Delete(_ context.Context, name string) error {
	p, err := b.localPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s/%s: %w", b.name, name, ErrObjectNotExist)
		}
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

func (b *DirBucket) localPath(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || path.Clean(name) != name || name == ".." || strings.HasPrefix(name, "../") {
		return "", fmt.Errorf("object name %q cannot be stored in a directory bucket", name)
	}
	return filepath.Join(b.root, filepath.FromSlash(name)), nil
}

func (b *DirBucket) attrsFromInfo(name string, info fs.FileInfo) ObjectAttrs {
	mod := info.ModTime().UTC()
	return ObjectAttrs{
		Bucket:              b.name,
		Name:                name,
		ContentType:         mime.TypeByExtension(path.Ext(name)),
		Size:                info.Size(),
		Generation:          mod.UnixMicro(),
		Metageneration:      1,
		Created:             mod,
		Updated:             mod,
		StorageClassUpdated: mod,
	}
}

// Change is one filesystem event translated to object terms.
type Change struct {
	Name    string
	Removed bool
	Time    time.Time
}

// Watch reports object writes and removals below the bucket root until ctx
// is done. New subdirectories are watched as they appear.
func (b *DirBucket) Watch(ctx context.Context, logger *slog.Logger) (<-chan Change, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", b.root, err)
	}
	err = filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", b.root, err)
	}

	out := make(chan Change, 64)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("bucket watcher error", "bucket", b.name, "error", err)
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				change, ok := b.translate(w, ev, logger)
				if !ok {
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// translate maps an fsnotify event to a Change. Directory creations add a
// watch and produce no change; temp files from Put are ignored.
func (b *DirBucket) translate(w *fsnotify.Watcher, ev fsnotify.Event, logger *slog.Logger) (Change, bool) {
	rel, err := filepath.Rel(b.root, ev.Name)
	if err != nil || isTemp(filepath.Base(ev.Name)) {
		return Change{}, false
	}
	name := filepath.ToSlash(rel)
	now := time.Now().UTC()

	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		return Change{Name: name, Removed: true, Time: now}, true
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return Change{}, false
		}
		if info.IsDir() {
			if err := w.Add(ev.Name); err != nil {
				logger.Warn("cannot watch new directory", "path", ev.Name, "error", err)
			}
			return Change{}, false
		}
		if !info.Mode().IsRegular() {
			return Change{}, false
		}
		return Change{Name: name, Time: info.ModTime().UTC()}, true
	}
	return Change{}, false
}
