package treesync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Op is the kind of a change.
type Op int

const (
	OpAdd Op = iota + 1
	OpMod
	OpDel
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpMod:
		return "mod"
	case OpDel:
		return "del"
	default:
		return "unknown"
	}
}

func (o Op) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Op) UnmarshalText(b []byte) error {
	op, err := ParseOp(string(b))
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// ParseOp parses "add", "mod" or "del".
func ParseOp(s string) (Op, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "add":
		return OpAdd, nil
	case "mod":
		return OpMod, nil
	case "del":
		return OpDel, nil
	}
	return 0, fmt.Errorf("unknown change op %q", s)
}

// ChangeType is the entry type reported by a change. Symlinks report as
// files and mount points as directories.
type ChangeType int

const (
	ChangeFile ChangeType = iota + 1
	ChangeDir
)

func (t ChangeType) String() string {
	if t == ChangeDir {
		return "dir"
	}
	return "file"
}

func (t ChangeType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Change is one entry of a change-set. Path is relative to the diff roots.
type Change struct {
	Op   Op         `json:"change" yaml:"change"`
	Type ChangeType `json:"type" yaml:"type"`
	Path string     `json:"path" yaml:"path"`
}

func (c Change) String() string {
	return fmt.Sprintf("%s %s %s", c.Op, c.Type, c.Path)
}

// DiffOptions configures Diff.
type DiffOptions struct {
	// Shallow compares only the direct children of the roots.
	Shallow bool
	// Paths restricts the result to the subtrees rooted at these
	// root-relative paths.
	Paths []string
	// Ops restricts the result to these change kinds.
	Ops []Op
}

// Diff compares the subtree at srcPath in src with the subtree at dstPath in
// dst and returns the changes that turn the destination into the source.
//
// Records are emitted depth-first in listing order: source names first, then
// destination-only names. Mount points are compared by key and version and
// never descended into; a mount against a plain folder is a type change. A missing destination root diffs as empty.
func (e *Engine) Diff(ctx context.Context, src Store, srcPath string, dst Store, dstPath string, opts DiffOptions) ([]Change, error) {
	d, err := e.newDiffer(src, srcPath, dst, dstPath, opts)
	if err != nil {
		return nil, e.finish("diff", err)
	}
	changes, err := d.run(ctx)
	return changes, e.finish("diff", err)
}

type differ struct {
	e        *Engine
	src, dst Store
	srcRoot  string
	dstRoot  string
	shallow  bool
	paths    []string
	ops      map[Op]bool
	log      logrus.FieldLogger
}

func (e *Engine) newDiffer(src Store, srcPath string, dst Store, dstPath string, opts DiffOptions) (*differ, error) {
	if err := ValidatePath(srcPath); err != nil {
		return nil, err
	}
	if err := ValidatePath(dstPath); err != nil {
		return nil, err
	}
	d := &differ{
		e:       e,
		src:     src,
		dst:     dst,
		srcRoot: NormalizePath(srcPath),
		dstRoot: NormalizePath(dstPath),
		shallow: opts.Shallow,
		log:     e.log.WithFields(logrus.Fields{"op": "diff", "src": srcPath, "dst": dstPath}),
	}
	for _, p := range opts.Paths {
		if err := ValidatePath(p); err != nil {
			return nil, err
		}
		d.paths = append(d.paths, NormalizePath(p))
	}
	if len(opts.Ops) > 0 {
		d.ops = make(map[Op]bool, len(opts.Ops))
		for _, op := range opts.Ops {
			d.ops[op] = true
		}
	}
	return d, nil
}

func (d *differ) run(ctx context.Context) ([]Change, error) {
	srcSt, err := d.src.Lstat(ctx, d.srcRoot)
	if err != nil {
		return nil, err
	}
	if !srcSt.IsDir() || srcSt.IsMount() {
		return nil, Errorf(CodeNotAFolder, "diff", d.srcRoot, "diff source must be a folder")
	}

	dstPresent := true
	dstSt, err := d.dst.Lstat(ctx, d.dstRoot)
	switch {
	case IsCode(err, CodeNotFound):
		dstPresent = false
	case err != nil:
		return nil, err
	case !dstSt.IsDir() || dstSt.IsMount():
		return nil, Errorf(CodeNotAFolder, "diff", d.dstRoot, "diff destination must be a folder")
	}

	d.log.Debug("diff started")
	changes, err := d.compareDir(ctx, "/", true, dstPresent)
	if err != nil {
		return nil, err
	}
	d.log.WithField("changes", len(changes)).Debug("diff finished")
	return changes, nil
}

// compareDir diffs the children of rel. srcSide and dstSide say which sides
// hold a directory at rel.
func (d *differ) compareDir(ctx context.Context, rel string, srcSide, dstSide bool) ([]Change, error) {
	var srcNames, dstNames []string
	var err error
	if srcSide {
		if srcNames, err = d.src.ReadDir(ctx, JoinPath(d.srcRoot, rel)); err != nil {
			return nil, err
		}
	}
	if dstSide {
		if dstNames, err = d.dst.ReadDir(ctx, JoinPath(d.dstRoot, rel)); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(srcNames)+len(dstNames))
	seen := make(map[string]bool, len(srcNames))
	for _, n := range srcNames {
		seen[n] = true
		names = append(names, n)
	}
	for _, n := range dstNames {
		if !seen[n] {
			names = append(names, n)
		}
	}

	results := make([][]Change, len(names))
	err = d.e.fanOut(ctx, len(names), func(ctx context.Context, i int) error {
		childRel := JoinPath(rel, names[i])
		if childRel == ManifestPath || !d.visits(childRel) {
			return nil
		}
		var (
			s, t *Entry
			err  error
		)
		if srcSide {
			if s, err = lstatOptional(ctx, d.src, JoinPath(d.srcRoot, childRel)); err != nil {
				return err
			}
		}
		if dstSide {
			if t, err = lstatOptional(ctx, d.dst, JoinPath(d.dstRoot, childRel)); err != nil {
				return err
			}
		}
		changes, err := d.compareEntry(ctx, childRel, s, t)
		results[i] = changes
		return err
	})
	if err != nil {
		return nil, err
	}

	var out []Change
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

func (d *differ) compareEntry(ctx context.Context, rel string, s, t *Entry) ([]Change, error) {
	switch {
	case s == nil && t == nil:
		return nil, nil
	case t == nil:
		return d.added(ctx, rel, s)
	case s == nil:
		return d.deleted(ctx, rel, t)
	case changeTypeOf(s) != changeTypeOf(t), s.IsMount() != t.IsMount():
		// a mount and a plain folder replace each other like a type change
		del, err := d.deleted(ctx, rel, t)
		if err != nil {
			return nil, err
		}
		add, err := d.added(ctx, rel, s)
		if err != nil {
			return nil, err
		}
		return append(del, add...), nil
	}

	if s.IsDir() {
		if s.IsMount() {
			if !sameMount(s.Mount, t.Mount) {
				return d.emit(nil, OpMod, ChangeDir, rel), nil
			}
			return nil, nil
		}
		if d.shallow {
			return nil, nil
		}
		return d.compareDir(ctx, rel, true, true)
	}

	differs, err := d.leavesDiffer(ctx, rel, s, t)
	if err != nil || !differs {
		return nil, err
	}
	return d.emit(nil, OpMod, ChangeFile, rel), nil
}

// added emits rel and, unless shallow, the source subtree below it.
func (d *differ) added(ctx context.Context, rel string, s *Entry) ([]Change, error) {
	out := d.emit(nil, OpAdd, changeTypeOf(s), rel)
	if d.shallow || !s.IsDir() || s.IsMount() {
		return out, nil
	}
	children, err := d.compareDir(ctx, rel, true, false)
	if err != nil {
		return nil, err
	}
	return append(out, children...), nil
}

// deleted emits the destination subtree below rel, then rel itself.
func (d *differ) deleted(ctx context.Context, rel string, t *Entry) ([]Change, error) {
	var out []Change
	if !d.shallow && t.IsDir() && !t.IsMount() {
		children, err := d.compareDir(ctx, rel, false, true)
		if err != nil {
			return nil, err
		}
		out = children
	}
	return d.emit(out, OpDel, changeTypeOf(t), rel), nil
}

func (d *differ) emit(out []Change, op Op, typ ChangeType, rel string) []Change {
	if !d.selected(rel) {
		return out
	}
	if d.ops != nil && !d.ops[op] {
		return out
	}
	return append(out, Change{Op: op, Type: typ, Path: rel})
}

// selected reports whether rel lies inside one of the requested subtrees.
func (d *differ) selected(rel string) bool {
	if len(d.paths) == 0 {
		return true
	}
	for _, p := range d.paths {
		if isWithin(rel, p) {
			return true
		}
	}
	return false
}

// visits reports whether the walk needs to look at rel at all: either rel is
// selected or it is an ancestor of a selected subtree.
func (d *differ) visits(rel string) bool {
	if d.selected(rel) {
		return true
	}
	for _, p := range d.paths {
		if isWithin(p, rel) {
			return true
		}
	}
	return false
}

func (d *differ) leavesDiffer(ctx context.Context, rel string, s, t *Entry) (bool, error) {
	if s.IsSymlink() || t.IsSymlink() {
		return s.Type != t.Type || s.Linkname != t.Linkname, nil
	}
	if s.Size != t.Size {
		return true, nil
	}
	srcPath, dstPath := JoinPath(d.srcRoot, rel), JoinPath(d.dstRoot, rel)
	if sd, ok := d.src.(Digester); ok {
		if td, ok := d.dst.(Digester); ok {
			a, err := sd.Digest(ctx, srcPath)
			if err != nil {
				return false, err
			}
			b, err := td.Digest(ctx, dstPath)
			if err != nil {
				return false, err
			}
			return a != b, nil
		}
	}
	return streamsDiffer(ctx, d.src, srcPath, d.dst, dstPath)
}

func streamsDiffer(ctx context.Context, a Store, aPath string, b Store, bPath string) (bool, error) {
	ra, err := a.Open(ctx, aPath)
	if err != nil {
		return false, err
	}
	defer ra.Close()
	rb, err := b.Open(ctx, bPath)
	if err != nil {
		return false, err
	}
	defer rb.Close()

	bufA := make([]byte, 32*1024)
	bufB := make([]byte, 32*1024)
	for {
		na, errA := io.ReadFull(ra, bufA)
		nb, errB := io.ReadFull(rb, bufB)
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return true, nil
		}
		doneA := errA == io.EOF || errA == io.ErrUnexpectedEOF
		doneB := errB == io.EOF || errB == io.ErrUnexpectedEOF
		if errA != nil && !doneA {
			return false, NewError(CodeUnexpected, "diff", aPath, errA)
		}
		if errB != nil && !doneB {
			return false, NewError(CodeUnexpected, "diff", bPath, errB)
		}
		if doneA || doneB {
			return doneA != doneB, nil
		}
	}
}

func changeTypeOf(e *Entry) ChangeType {
	if e.IsDir() {
		return ChangeDir
	}
	return ChangeFile
}

func sameMount(a, b *MountInfo) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Key == b.Key && a.Version == b.Version
}

// lstatOptional returns nil, nil when p does not exist.
func lstatOptional(ctx context.Context, s Store, p string) (*Entry, error) {
	st, err := s.Lstat(ctx, p)
	if IsCode(err, CodeNotFound) {
		return nil, nil
	}
	return st, err
}
