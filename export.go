package treesync

import (
	"context"
	"slices"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/sirupsen/logrus"
)

// ExportStats summarises an export. Paths are destination store paths.
type ExportStats struct {
	AddedFiles     []string `json:"addedFiles" yaml:"addedFiles"`
	UpdatedFiles   []string `json:"updatedFiles" yaml:"updatedFiles"`
	RemovedFiles   []string `json:"removedFiles" yaml:"removedFiles"`
	AddedFolders   []string `json:"addedFolders" yaml:"addedFolders"`
	RemovedFolders []string `json:"removedFolders" yaml:"removedFolders"`
	SkipCount      int      `json:"skipCount" yaml:"skipCount"`
	FileCount      int      `json:"fileCount" yaml:"fileCount"`
	TotalSize      uint64   `json:"totalSize" yaml:"totalSize"`
}

// ExportOptions configures the export operations.
type ExportOptions struct {
	Src     Store
	SrcPath string
	Dst     Store
	DstPath string

	// IntoTargetFolder exports into DstPath/<base of SrcPath> instead of DstPath.
	IntoTargetFolder bool
	// Ignore holds gitignore-style patterns matched against source paths
	// relative to SrcPath.
	Ignore []string
	// OverwriteExisting allows exporting into a non-empty filesystem folder.
	// Folders and files never replace each other either way.
	OverwriteExisting bool
	// SkipUndownloadedFiles skips archive files whose content is not available
	// locally instead of failing.
	SkipUndownloadedFiles bool
	// Prune removes destination entries that do not exist in the source.
	Prune bool
	// DryRun computes the stats without changing the destination.
	DryRun bool
	// Progress is called after every file and folder.
	Progress func(ExportStats)
}

type exportMode struct {
	name          string
	from, to      StoreKind
	flattenMounts bool
	requireEmpty  bool
}

var (
	modeFilesystemToArchive = exportMode{name: "exportFilesystemToArchive", from: StoreFilesystem, to: StoreArchive}
	modeArchiveToFilesystem = exportMode{name: "exportArchiveToFilesystem", from: StoreArchive, to: StoreFilesystem, flattenMounts: true, requireEmpty: true}
	modeArchiveToArchive    = exportMode{name: "exportArchiveToArchive", from: StoreArchive, to: StoreArchive}
)

// ExportFilesystemToArchive imports a filesystem subtree into an archive.
// Existing archive files are rewritten and reported as updated.
func (e *Engine) ExportFilesystemToArchive(ctx context.Context, opts ExportOptions) (*ExportStats, error) {
	return e.export(ctx, opts, modeFilesystemToArchive)
}

// ExportArchiveToFilesystem writes an archive subtree to the filesystem.
// Mounted archives are materialised; a mount that would re-enter an archive
// already on the current mount chain is skipped. Unless OverwriteExisting is
// set, the destination folder must be empty.
func (e *Engine) ExportArchiveToFilesystem(ctx context.Context, opts ExportOptions) (*ExportStats, error) {
	return e.export(ctx, opts, modeArchiveToFilesystem)
}

// ExportArchiveToArchive copies an archive subtree into another archive,
// keeping mount points and metadata.
func (e *Engine) ExportArchiveToArchive(ctx context.Context, opts ExportOptions) (*ExportStats, error) {
	return e.export(ctx, opts, modeArchiveToArchive)
}

func (e *Engine) export(ctx context.Context, opts ExportOptions, mode exportMode) (*ExportStats, error) {
	stats, err := e.runExport(ctx, opts, mode)
	return stats, e.finish(mode.name, err)
}

func (e *Engine) runExport(ctx context.Context, opts ExportOptions, mode exportMode) (*ExportStats, error) {
	if opts.Src == nil || opts.Dst == nil {
		return nil, Errorf(CodeNotSupported, mode.name, "", "source and destination stores are required")
	}
	if opts.Src.Kind() != mode.from || opts.Dst.Kind() != mode.to {
		return nil, Errorf(CodeNotSupported, mode.name, "", "cannot export from %s to %s", opts.Src.Kind(), opts.Dst.Kind())
	}
	if err := ValidatePath(opts.SrcPath); err != nil {
		return nil, err
	}
	if err := ValidatePath(opts.DstPath); err != nil {
		return nil, err
	}
	srcPath, dstPath := NormalizePath(opts.SrcPath), NormalizePath(opts.DstPath)

	if !opts.DryRun && !opts.Dst.Writable() {
		return nil, NewError(CodeArchiveNotWritable, mode.name, dstPath, nil)
	}
	if sameStore(opts.Src, opts.Dst) && (isWithin(dstPath, srcPath) || isWithin(srcPath, dstPath)) {
		return nil, Errorf(CodeInvalidPath, mode.name, dstPath, "cannot export a folder into itself")
	}

	srcSt, err := opts.Src.Lstat(ctx, srcPath)
	if err != nil {
		return nil, err
	}

	if opts.IntoTargetFolder && srcPath != "/" {
		dstPath = JoinPath(dstPath, baseName(srcPath))
	}
	dstSt, err := lstatOptional(ctx, opts.Dst, dstPath)
	if err != nil {
		return nil, err
	}
	if dstSt != nil && dstSt.IsDir() && !srcSt.IsDir() {
		dstPath = JoinPath(dstPath, baseName(srcPath))
		if dstSt, err = lstatOptional(ctx, opts.Dst, dstPath); err != nil {
			return nil, err
		}
	}
	if dstSt != nil && srcSt.IsDir() && !dstSt.IsDir() {
		return nil, Errorf(CodeEntryAlreadyExists, mode.name, dstPath, "cannot export a folder onto a file")
	}
	if mode.requireEmpty && !opts.OverwriteExisting && dstSt != nil && dstSt.IsDir() {
		names, err := opts.Dst.ReadDir(ctx, dstPath)
		if err != nil {
			return nil, err
		}
		if len(names) > 0 {
			return nil, NewError(CodeDestDirectoryNotEmpty, mode.name, dstPath, nil)
		}
	}

	dst := opts.Dst
	if opts.DryRun {
		dst = dryRun(dst)
	} else if parent := parentPath(dstPath); parent != "/" {
		if err := MkdirAll(ctx, dst, parent); err != nil {
			return nil, err
		}
	}

	log := e.log.WithFields(logrus.Fields{"op": mode.name, "src": srcPath, "dst": dstPath, "dryRun": opts.DryRun})
	x := &exporter{
		e:    e,
		opts: opts,
		mode: mode,
		src:  opts.Src,
		dst:  dst,
		log:  log,
		cp:   &copier{e: e, src: opts.Src, dst: dst, log: log},
	}
	if len(opts.Ignore) > 0 {
		x.ignore = ignore.CompileIgnoreLines(opts.Ignore...)
	}

	var chain []string
	if v, ok := opts.Src.(Versioned); ok {
		chain = []string{v.Key()}
	}
	log.Debug("export started")
	if err := x.visit(ctx, srcPath, srcSt, dstPath, "/", chain); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"files": x.stats.FileCount, "bytes": x.stats.TotalSize}).Debug("export finished")
	return &x.stats, nil
}

type exporter struct {
	e      *Engine
	opts   ExportOptions
	mode   exportMode
	src    Store
	dst    Store
	cp     *copier
	ignore *ignore.GitIgnore
	stats  ExportStats
	log    logrus.FieldLogger
}

// visit exports one entry. chain holds the keys of the mounts traversed to
// reach it, used to stop cycles when flattening.
func (x *exporter) visit(ctx context.Context, srcPath string, st *Entry, dstPath, rel string, chain []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if x.ignored(rel, st.IsDir()) {
		x.stats.SkipCount++
		return nil
	}
	existing, err := lstatOptional(ctx, x.dst, dstPath)
	if err != nil {
		return err
	}

	switch {
	case st.IsMount() && x.mode.flattenMounts:
		if slices.Contains(chain, st.Mount.Key) {
			x.log.WithFields(logrus.Fields{"path": srcPath, "key": st.Mount.Key}).Debug("skipping recursive mount")
			x.stats.SkipCount++
			return nil
		}
		return x.visitDir(ctx, srcPath, dstPath, rel, existing, append(slices.Clone(chain), st.Mount.Key))
	case st.IsMount():
		if existing == nil {
			x.stats.AddedFolders = append(x.stats.AddedFolders, dstPath)
		}
		if err := x.cp.copyMount(ctx, st, dstPath, existing); err != nil {
			return err
		}
		x.progress()
		return nil
	case st.IsDir():
		return x.visitDir(ctx, srcPath, dstPath, rel, existing, chain)
	default:
		return x.visitFile(ctx, srcPath, st, dstPath, existing)
	}
}

func (x *exporter) visitFile(ctx context.Context, srcPath string, st *Entry, dstPath string, existing *Entry) error {
	if existing != nil && existing.IsDir() {
		return Errorf(CodeEntryAlreadyExists, x.mode.name, dstPath, "cannot overwrite a folder with a file")
	}
	var err error
	if st.IsSymlink() {
		err = x.cp.copySymlink(ctx, st, dstPath, existing)
	} else {
		err = x.cp.copyFile(ctx, srcPath, st, dstPath, existing)
	}
	if IsCode(err, CodeNotAvailable) && x.opts.SkipUndownloadedFiles {
		x.stats.SkipCount++
		return nil
	}
	if err != nil {
		return err
	}

	x.stats.FileCount++
	x.stats.TotalSize += st.Size
	if existing != nil {
		x.stats.UpdatedFiles = append(x.stats.UpdatedFiles, dstPath)
	} else {
		x.stats.AddedFiles = append(x.stats.AddedFiles, dstPath)
	}
	x.progress()
	return nil
}

func (x *exporter) visitDir(ctx context.Context, srcPath, dstPath, rel string, existing *Entry, chain []string) error {
	if existing != nil && !existing.IsDir() {
		return Errorf(CodeEntryAlreadyExists, x.mode.name, dstPath, "cannot overwrite a file with a folder")
	}
	if existing == nil {
		if err := x.dst.Mkdir(ctx, dstPath); err != nil {
			return err
		}
		x.stats.AddedFolders = append(x.stats.AddedFolders, dstPath)
	}
	x.progress()

	names, err := x.src.ReadDir(ctx, srcPath)
	if err != nil {
		return err
	}
	for _, name := range names {
		childSrc := JoinPath(srcPath, name)
		st, err := x.src.Lstat(ctx, childSrc)
		if err != nil {
			return err
		}
		if err := x.visit(ctx, childSrc, st, JoinPath(dstPath, name), JoinPath(rel, name), chain); err != nil {
			return err
		}
	}

	if x.opts.Prune && existing != nil {
		return x.prune(ctx, dstPath, names)
	}
	return nil
}

func (x *exporter) prune(ctx context.Context, dstPath string, keep []string) error {
	names, err := x.dst.ReadDir(ctx, dstPath)
	if err != nil {
		return err
	}
	for _, name := range names {
		if slices.Contains(keep, name) {
			continue
		}
		p := JoinPath(dstPath, name)
		st, err := x.dst.Lstat(ctx, p)
		if err != nil {
			return err
		}
		if err := removeEntry(ctx, x.dst, p, st); err != nil {
			return err
		}
		if st.IsDir() {
			x.stats.RemovedFolders = append(x.stats.RemovedFolders, p)
		} else {
			x.stats.RemovedFiles = append(x.stats.RemovedFiles, p)
		}
		x.e.opts.Metrics.entry("remove", st.Type)
	}
	return nil
}

func (x *exporter) ignored(rel string, isDir bool) bool {
	if x.ignore == nil || rel == "/" {
		return false
	}
	p := strings.TrimPrefix(rel, "/")
	if isDir {
		p += "/"
	}
	return x.ignore.MatchesPath(p)
}

func (x *exporter) progress() {
	if x.opts.Progress != nil {
		x.opts.Progress(x.stats)
	}
}
