package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

const DefaultConcurrency = 4

const (
	labelKey      = "dev.treesync.key"
	labelLog      = "dev.treesync.log"
	labelPrefixes = "dev.treesync.prefixes"
	labelSig      = "dev.treesync.signature"
)

type OCIRemote struct {
	ref         name.Reference
	auth        Authenticator
	concurrency int
	attempts    uint
	delay       time.Duration
	log         logrus.FieldLogger
}

var _ Remote = (*OCIRemote)(nil)

type Option func(*OCIRemote)

func WithConcurrency(n int) Option {
	return func(r *OCIRemote) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithRetry sets the number of attempts and the initial backoff delay.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(r *OCIRemote) {
		if attempts > 0 {
			r.attempts = attempts
		}
		r.delay = delay
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(r *OCIRemote) {
		if l != nil {
			r.log = l
		}
	}
}

// NewOCIRemote creates a remote from a standard image ref
// (e.g. "ghcr.io/me/site:latest").
func NewOCIRemote(imageRef string, auth Authenticator, opts ...Option) (*OCIRemote, error) {
	ref, err := name.ParseReference(imageRef, name.WithDefaultTag("latest"))
	if err != nil {
		return nil, fmt.Errorf("invalid image ref %q: %w", imageRef, err)
	}
	r := &OCIRemote{
		ref:         ref,
		auth:        auth,
		concurrency: DefaultConcurrency,
		attempts:    3,
		delay:       500 * time.Millisecond,
		log:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithField("ref", ref.String())
	return r, nil
}

func (r *OCIRemote) String() string   { return r.ref.String() }
func (r *OCIRemote) Registry() string { return r.ref.Context().RegistryStr() }

// objectLayer is a v1.Layer holding packed objects, zstd-compressed for
// transfer.
type objectLayer struct {
	compressed   []byte
	uncompressed []byte
}

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))

func newObjectLayer(data []byte) *objectLayer {
	return &objectLayer{
		compressed:   zstdEncoder.EncodeAll(data, nil),
		uncompressed: data,
	}
}

func (l *objectLayer) Digest() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.compressed))
	return h, err
}

func (l *objectLayer) DiffID() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.uncompressed))
	return h, err
}

func (l *objectLayer) Compressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.compressed)), nil
}

func (l *objectLayer) Uncompressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.uncompressed)), nil
}

func (l *objectLayer) Size() (int64, error)                { return int64(len(l.compressed)), nil }
func (l *objectLayer) MediaType() (types.MediaType, error) { return types.OCILayerZStd, nil }

// Push uploads the objects of changed prefixes and a config carrying the
// archive key and log. prefixes is the state after the previous transfer.
func (r *OCIRemote) Push(ctx context.Context, snap Snapshot, prefixes map[string]PrefixInfo) (map[string]PrefixInfo, error) {
	byPrefix := GroupByPrefix(snap.Objects)

	current := make(map[string]string, len(byPrefix))
	for prefix, objects := range byPrefix {
		current[prefix] = PrefixHash(objects)
	}

	available := map[string]v1.Layer{}
	if len(prefixes) > 0 {
		var err error
		available, err = r.remoteLayers(ctx)
		if err != nil && !IsNotFound(err) {
			return nil, err
		}
	}

	next := make(map[string]PrefixInfo, len(current))
	changed := make(map[string]int64)
	for prefix, hash := range current {
		if info, ok := prefixes[prefix]; ok && info.Hash == hash && available[info.Layer] != nil {
			next[prefix] = info
			continue
		}
		changed[prefix] = groupSize(byPrefix[prefix])
	}

	log := r.log.WithFields(logrus.Fields{"key": snap.Key, "objects": len(snap.Objects), "prefixes": len(byPrefix)})
	log.WithField("changed", len(changed)).Debug("push planned")

	// Unchanged prefixes keep referencing the layers already in the registry.
	var layers []v1.Layer
	reused := make(map[string]bool)
	for _, prefix := range slices.Sorted(maps.Keys(next)) {
		digest := next[prefix].Layer
		if !reused[digest] {
			reused[digest] = true
			layers = append(layers, available[digest])
		}
	}

	var raw, compressed int64
	for _, group := range BuildLayerPlan(changed) {
		objects := make(map[string][]byte)
		for _, prefix := range group {
			maps.Copy(objects, byPrefix[prefix])
		}
		data, err := PackLayer(objects)
		if err != nil {
			return nil, err
		}
		layer := newObjectLayer(data)
		digest, err := layer.Digest()
		if err != nil {
			return nil, err
		}
		raw += int64(len(data))
		compressed += int64(len(layer.compressed))
		layers = append(layers, layer)
		for _, prefix := range group {
			next[prefix] = PrefixInfo{Hash: current[prefix], Layer: digest.String()}
		}
	}

	img, err := r.buildImage(layers, snap, next)
	if err != nil {
		return nil, fmt.Errorf("build image: %w", err)
	}
	if err := r.pushImage(ctx, img); err != nil {
		return nil, fmt.Errorf("push image: %w", err)
	}

	log.WithFields(logrus.Fields{"layers": len(layers), "bytes": raw, "compressedBytes": compressed}).Info("pushed")
	return next, nil
}

// remoteLayers indexes the layers of the current remote image by digest.
func (r *OCIRemote) remoteLayers(ctx context.Context) (map[string]v1.Layer, error) {
	img, err := r.fetchImage(ctx)
	if err != nil {
		return nil, err
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("get layers: %w", err)
	}
	out := make(map[string]v1.Layer, len(layers))
	for _, layer := range layers {
		digest, err := layer.Digest()
		if err != nil {
			return nil, err
		}
		out[digest.String()] = layer
	}
	return out, nil
}

func (r *OCIRemote) buildImage(layers []v1.Layer, snap Snapshot, prefixes map[string]PrefixInfo) (v1.Image, error) {
	img := empty.Image
	if len(layers) > 0 {
		var err error
		if img, err = mutate.AppendLayers(img, layers...); err != nil {
			return nil, err
		}
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}
	logJSON, err := json.Marshal(snap.Log)
	if err != nil {
		return nil, err
	}
	prefixJSON, err := json.Marshal(prefixes)
	if err != nil {
		return nil, err
	}
	cfg = cfg.DeepCopy()
	cfg.Config.Labels = map[string]string{
		labelKey:      snap.Key,
		labelLog:      string(logJSON),
		labelPrefixes: string(prefixJSON),
		labelSig:      snap.Signature,
	}
	return mutate.ConfigFile(img, cfg)
}

func (r *OCIRemote) pushImage(ctx context.Context, img v1.Image) error {
	opts := append(r.remoteOptions(ctx), remote.WithJobs(r.concurrency))
	return retry.Do(func() error {
		return remote.Write(r.ref, img, opts...)
	}, r.retryOptions(ctx)...)
}

func (r *OCIRemote) fetchImage(ctx context.Context) (v1.Image, error) {
	img, err := retry.DoWithData(func() (v1.Image, error) {
		return remote.Image(r.ref, r.remoteOptions(ctx)...)
	}, r.retryOptions(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	return img, nil
}

// Pull downloads the objects of every prefix whose fingerprint differs from
// prefixes, plus the archive key and log.
func (r *OCIRemote) Pull(ctx context.Context, prefixes map[string]PrefixInfo) (*Snapshot, map[string]PrefixInfo, error) {
	img, err := r.fetchImage(ctx)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, nil, fmt.Errorf("get config: %w", err)
	}

	labels := cfg.Config.Labels
	snap := &Snapshot{Key: labels[labelKey], Signature: labels[labelSig], Objects: make(map[string][]byte)}
	if snap.Key == "" {
		return nil, nil, fmt.Errorf("image %s is not an archive: missing %s label", r.ref, labelKey)
	}
	if err := json.Unmarshal([]byte(labels[labelLog]), &snap.Log); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", labelLog, err)
	}
	var remotePrefixes map[string]PrefixInfo
	if v := labels[labelPrefixes]; v != "" {
		if err := json.Unmarshal([]byte(v), &remotePrefixes); err != nil {
			return nil, nil, fmt.Errorf("parse %s: %w", labelPrefixes, err)
		}
	}

	needed := make(map[string]bool)
	for prefix, info := range remotePrefixes {
		if local, ok := prefixes[prefix]; !ok || local.Hash != info.Hash {
			needed[info.Layer] = true
		}
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, nil, fmt.Errorf("get layers: %w", err)
	}

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(r.concurrency).WithContext(ctx).WithCancelOnError()
	for _, layer := range layers {
		digest, err := layer.Digest()
		if err != nil {
			return nil, nil, err
		}
		if !needed[digest.String()] {
			continue
		}
		p.Go(func(ctx context.Context) error {
			objects, err := retry.DoWithData(func() (map[string][]byte, error) {
				return readLayer(layer)
			}, r.retryOptions(ctx)...)
			if err != nil {
				return fmt.Errorf("layer %s: %w", digest, err)
			}
			mu.Lock()
			maps.Copy(snap.Objects, objects)
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, nil, err
	}

	r.log.WithFields(logrus.Fields{
		"key":      snap.Key,
		"versions": len(snap.Log),
		"layers":   len(needed),
		"objects":  len(snap.Objects),
	}).Info("pulled")
	return snap, remotePrefixes, nil
}

func readLayer(layer v1.Layer) (map[string][]byte, error) {
	rc, err := layer.Uncompressed()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return UnpackLayer(data)
}

func (r *OCIRemote) remoteOptions(ctx context.Context) []remote.Option {
	opts := []remote.Option{remote.WithContext(ctx)}
	if r.auth != nil {
		username, password, err := r.auth.Authenticate(r.Registry())
		if err != nil {
			r.log.WithError(err).Warn("credential lookup failed, using keychain")
		} else if username != "" {
			return append(opts, remote.WithAuth(&authn.Basic{Username: username, Password: password}))
		}
	}
	return append(opts, remote.WithAuthFromKeychain(authn.DefaultKeychain))
}

func (r *OCIRemote) retryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(r.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			r.log.WithError(err).WithField("attempt", n+1).Debug("retrying registry call")
		}),
	}
}
