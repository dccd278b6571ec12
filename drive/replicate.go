package drive

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/aweris/treesync"
	"github.com/aweris/treesync/internal/remote"
	"github.com/aweris/treesync/internal/store"
)

// PullOptions configures Library.Pull.
type PullOptions struct {
	// Sparse downloads folder listings only. File contents stay unavailable
	// until a full pull.
	Sparse bool
}

// remoteState records what was last transferred through one image ref.
type remoteState struct {
	Key      string                       `json:"key"`
	Prefixes map[string]remote.PrefixInfo `json:"prefixes,omitempty"`
}

var unsafeRefChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Push uploads every version of the archive to the OCI image ref. Only
// archives whose secret key is in the library can be pushed.
func (l *Library) Push(ctx context.Context, key, ref string) error {
	st, err := l.state(ctx, key)
	if err != nil {
		return err
	}
	if st.secret == nil {
		return treesync.Errorf(treesync.CodeArchiveNotWritable, "push", key, "secret key for archive is not in the library")
	}
	r, err := l.remote(ref)
	if err != nil {
		return err
	}

	hashes, err := st.store.ReadLog()
	if err != nil {
		return treesync.NewError(treesync.CodeUnexpected, "push", key, err)
	}
	objects, err := reachable(ctx, st.store, hashes)
	if err != nil {
		return remoteError("push", ref, err)
	}

	state := l.loadRemoteState(ref)
	if state.Key != key {
		state = remoteState{Key: key}
	}
	snap := remote.Snapshot{
		Key:       key,
		Log:       hashes,
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(st.secret, signedMessage(key, hashes))),
		Objects:   objects,
	}
	prefixes, err := r.Push(ctx, snap, state.Prefixes)
	if err != nil {
		return remoteError("push", ref, err)
	}
	state.Prefixes = prefixes
	if err := l.saveRemoteState(ref, state); err != nil {
		l.log.WithError(err).WithField("ref", ref).Warn("failed to save remote state")
	}

	l.log.WithFields(logrus.Fields{"key": key, "ref": ref, "version": len(hashes)}).Info("archive pushed")
	return nil
}

// Pull downloads the archive stored at the OCI image ref into the library
// and returns a live handle to it. The pulled history must extend the local
// one or be a prefix of it.
func (l *Library) Pull(ctx context.Context, ref string, opts PullOptions) (*Archive, error) {
	r, err := l.remote(ref)
	if err != nil {
		return nil, err
	}

	state := l.loadRemoteState(ref)
	if state.Key == "" || !store.Exists(l.archivesDir(), state.Key) {
		state = remoteState{}
	}
	snap, prefixes, err := r.Pull(ctx, state.Prefixes)
	if err != nil {
		return nil, remoteError("pull", ref, err)
	}
	if state.Key != "" && snap.Key != state.Key {
		// the ref now holds another archive; the recorded prefixes are useless
		if snap, prefixes, err = r.Pull(ctx, nil); err != nil {
			return nil, remoteError("pull", ref, err)
		}
	}
	if err := verifySnapshot(snap); err != nil {
		return nil, treesync.NewError(treesync.CodeInvalidEncoding, "pull", ref, err)
	}

	objects := snap.Objects
	if opts.Sparse {
		objects = make(map[string][]byte)
		for hash, data := range snap.Objects {
			if kind, _, err := decodeObject(data); err == nil && kind == "tree" {
				objects[hash] = data
			}
		}
	}

	st, err := l.pulledState(ctx, snap.Key)
	if err != nil {
		return nil, err
	}
	if err := st.store.PutMulti(ctx, objects); err != nil {
		if errors.Is(err, store.ErrHashMismatch) {
			return nil, treesync.NewError(treesync.CodeInvalidEncoding, "pull", ref, err)
		}
		return nil, treesync.NewError(treesync.CodeUnexpected, "pull", ref, err)
	}
	if err := st.mergeLog(ctx, snap.Log); err != nil {
		return nil, err
	}

	if !opts.Sparse {
		if err := l.saveRemoteState(ref, remoteState{Key: snap.Key, Prefixes: prefixes}); err != nil {
			l.log.WithError(err).WithField("ref", ref).Warn("failed to save remote state")
		}
	}

	l.log.WithFields(logrus.Fields{
		"key":     snap.Key,
		"ref":     ref,
		"version": st.head.Load().version,
		"sparse":  opts.Sparse,
	}).Info("archive pulled")
	return &Archive{lib: l, st: st}, nil
}

func (l *Library) remote(ref string) (*remote.OCIRemote, error) {
	r, err := remote.NewOCIRemote(ref, l.opts.Auth,
		remote.WithConcurrency(l.opts.Concurrency),
		remote.WithLogger(l.log),
	)
	if err != nil {
		return nil, treesync.NewError(treesync.CodeInvalidPath, "remote", ref, err)
	}
	return r, nil
}

// pulledState returns the state of key, adding the archive to the library
// when it is new.
func (l *Library) pulledState(ctx context.Context, key string) (*archiveState, error) {
	st, err := l.state(ctx, key)
	if !treesync.IsCode(err, treesync.CodeNotFound) {
		return st, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.states[key]; ok {
		return st, nil
	}
	if st, err = l.newState(ctx, key); err != nil {
		return nil, err
	}
	l.states[key] = st
	return st, nil
}

// mergeLog adopts a remote log that extends the local one.
func (st *archiveState) mergeLog(ctx context.Context, remoteLog []string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if ok, err := st.lock.TryLockContext(ctx, lockRetry); !ok || err != nil {
		if err == nil {
			err = ctx.Err()
		}
		return treesync.NewError(treesync.CodeUnexpected, "pull", st.key, err)
	}
	defer st.lock.Unlock()

	local, err := st.store.ReadLog()
	if err != nil {
		return treesync.NewError(treesync.CodeUnexpected, "pull", st.key, err)
	}
	switch {
	case len(remoteLog) <= len(local) && slices.Equal(local[:len(remoteLog)], remoteLog):
	case len(local) < len(remoteLog) && slices.Equal(remoteLog[:len(local)], local):
		if err := st.store.WriteLog(remoteLog); err != nil {
			return treesync.NewError(treesync.CodeUnexpected, "pull", st.key, err)
		}
	default:
		return treesync.Errorf(treesync.CodeEntryAlreadyExists, "pull", st.key, "local history of archive has diverged from the remote")
	}
	if err := st.reload(); err != nil {
		return treesync.NewError(treesync.CodeUnexpected, "pull", st.key, err)
	}
	return nil
}

// reachable collects every object referenced from the given roots.
func reachable(ctx context.Context, s store.Store, roots []string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	queue := slices.Compact(slices.Sorted(slices.Values(roots)))
	for len(queue) > 0 {
		found, err := s.GetMulti(ctx, queue)
		if err != nil {
			return nil, err
		}
		var next []string
		for _, hash := range queue {
			data, ok := found[hash]
			if !ok {
				return nil, treesync.Errorf(treesync.CodeNotAvailable, "push", hash, "object is not available locally")
			}
			out[hash] = data
			kind, _, err := decodeObject(data)
			if err != nil {
				return nil, err
			}
			if kind != "tree" {
				continue
			}
			entries, err := decodeTree(data)
			if err != nil {
				return nil, err
			}
			for _, e := range entries {
				if e.Hash == "" || e.Kind == kindMount {
					continue
				}
				if _, seen := out[e.Hash]; !seen {
					next = append(next, e.Hash)
				}
			}
		}
		slices.Sort(next)
		queue = slices.Compact(next)
	}
	return out, nil
}

func signedMessage(key string, log []string) []byte {
	return []byte(key + "\n" + strings.Join(log, "\n"))
}

func verifySnapshot(snap *remote.Snapshot) error {
	if !validKey(snap.Key) {
		return errors.New("image does not carry a valid archive key")
	}
	if len(snap.Log) == 0 {
		return errors.New("image carries an empty version log")
	}
	sig, err := base64.StdEncoding.DecodeString(snap.Signature)
	if err != nil {
		return errors.New("image carries a malformed signature")
	}
	pub, _ := hex.DecodeString(snap.Key)
	if !ed25519.Verify(ed25519.PublicKey(pub), signedMessage(snap.Key, snap.Log), sig) {
		return errors.New("version log signature does not match the archive key")
	}
	return nil
}

func remoteError(op, ref string, err error) error {
	var te *treesync.Error
	switch {
	case errors.As(err, &te):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case remote.IsUnauthorized(err):
		return treesync.NewError(treesync.CodeAuthInvalidated, op, ref, err)
	case remote.IsNotFound(err):
		return treesync.NewError(treesync.CodeNotFound, op, ref, err)
	default:
		return treesync.NewError(treesync.CodeUnexpected, op, ref, err)
	}
}

func (l *Library) remoteStatePath(ref string) string {
	return filepath.Join(l.dir, "remotes", unsafeRefChars.ReplaceAllString(ref, "_")+".json")
}

func (l *Library) loadRemoteState(ref string) remoteState {
	var state remoteState
	data, err := os.ReadFile(l.remoteStatePath(ref))
	if err != nil {
		return state
	}
	if err := json.Unmarshal(data, &state); err != nil {
		l.log.WithError(err).WithField("ref", ref).Warn("ignoring corrupt remote state")
		return remoteState{}
	}
	return state
}

func (l *Library) saveRemoteState(ref string, state remoteState) error {
	path := l.remoteStatePath(ref)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
