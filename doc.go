// Package treesync diffs, merges, copies, renames and exports trees between
// hierarchical stores.
//
// A store is either a conventional filesystem (package localfs) or a
// versioned, content-addressed archive (package drive). Both implement Store;
// archive-only behaviour such as mount points, per-entry metadata and
// versions is exposed through the optional Mounter, MetadataStore, Versioned
// and Digester interfaces.
//
// Basic usage:
//
//	lib, _ := drive.OpenLibrary(dir)
//	archive, _ := lib.Create(ctx)
//	disk := localfs.NewOS("/home/me/site")
//
//	// Import a folder into the archive
//	stats, _ := treesync.New().ExportFilesystemToArchive(ctx, treesync.ExportOptions{
//	    Src: disk, SrcPath: "/", Dst: archive, DstPath: "/",
//	})
//
//	// See what changed since version 3
//	old, _ := archive.Checkout(ctx, 3)
//	changes, _ := treesync.Diff(ctx, archive, "/", old, "/", treesync.DiffOptions{})
//
//	// Adopt source changes without deleting destination-only entries
//	treesync.Merge(ctx, disk, "/", archive, "/", treesync.MergeOptions{})
//
// Every error returned by a store or an engine is a *Error carrying a Code;
// use errors.Is with the Err* sentinels or CodeOf to branch on it.
package treesync
