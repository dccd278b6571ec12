package treesync

import (
	"context"
	"path"
)

// ReadDirOptions configures ReadDir.
type ReadDirOptions struct {
	Recursive    bool
	IncludeStats bool
}

// DirEntry is one ReadDir result. Name is relative to the listed directory;
// Stat is set when IncludeStats was requested.
type DirEntry struct {
	Name string
	Stat *Entry
}

// ReadDir lists p. A recursive listing reports mount points but never
// descends into them.
func ReadDir(ctx context.Context, s Store, p string, opts ReadDirOptions) ([]DirEntry, error) {
	p = NormalizePath(p)
	var out []DirEntry
	if err := readDir(ctx, s, p, "", opts, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func readDir(ctx context.Context, s Store, root, rel string, opts ReadDirOptions, out *[]DirEntry) error {
	names, err := s.ReadDir(ctx, JoinPath(root, rel))
	if err != nil {
		return err
	}
	for _, name := range names {
		childRel := name
		if rel != "" {
			childRel = path.Join(rel, name)
		}
		var st *Entry
		if opts.IncludeStats || opts.Recursive {
			st, err = s.Lstat(ctx, JoinPath(root, childRel))
			if err != nil {
				return err
			}
		}
		entry := DirEntry{Name: childRel}
		if opts.IncludeStats {
			entry.Stat = st
		}
		*out = append(*out, entry)

		if opts.Recursive && st.IsDir() && !st.IsMount() {
			if err := readDir(ctx, s, root, childRel, opts, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadSize sums the sizes of all files under p, not counting mounted archives.
func ReadSize(ctx context.Context, s Store, p string) (uint64, error) {
	st, err := s.Lstat(ctx, p)
	if err != nil {
		return 0, err
	}
	if !st.IsDir() {
		return st.Size, nil
	}
	if st.IsMount() {
		return 0, nil
	}
	entries, err := ReadDir(ctx, s, p, ReadDirOptions{Recursive: true, IncludeStats: true})
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, e := range entries {
		if e.Stat.IsFile() {
			total += e.Stat.Size
		}
	}
	return total, nil
}
