package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tigris-pwa/tigris-cache/internal/cache"
	"github.com/tigris-pwa/tigris-cache/internal/logging"
	"github.com/tigris-pwa/tigris-cache/internal/manifest"
	"github.com/tigris-pwa/tigris-cache/internal/network"
)

// Phase 描述 Worker 当前所处的生命周期阶段。
type Phase string

const (
	PhaseParsed     Phase = "parsed"
	PhaseInstalling Phase = "installing"
	PhaseInstalled  Phase = "installed"
	PhaseActivating Phase = "activating"
	PhaseActivated  Phase = "activated"
	PhaseRedundant  Phase = "redundant"
)

const defaultInstallConcurrency = 4

// Fetcher 负责真正的网络请求，返回缓冲好的响应；离线、DNS 失败等以 error 返回。
type Fetcher interface {
	Fetch(req *http.Request) (*cache.Response, error)
}

// Options 是构造 Worker 所需的全部显式配置。
type Options struct {
	// OriginName 仅用于日志。
	OriginName string
	Origin     *url.URL
	Manifest   manifest.Manifest
	Storage    cache.Storage
	Fetcher    Fetcher
	Logger     *logrus.Logger

	// InstallConcurrency 限制安装阶段的并发抓取数，<=0 时使用默认值。
	InstallConcurrency int
	// MaxEntrySize 限制运行期写入缓存的单个正文大小，<=0 表示不限制。
	MaxEntrySize int64
}

// Worker 是单个源站、单个缓存版本的离线缓存管理器。
type Worker struct {
	name        string
	origin      *url.URL
	manifest    manifest.Manifest
	storage     cache.Storage
	fetcher     Fetcher
	logger      *logrus.Logger
	concurrency int
	maxEntry    int64

	phase atomic.Value

	bucketMu sync.Mutex
	bucket   cache.Bucket

	fetchGroup singleflight.Group

	// storeMu 让 redundant 判定与 pending.Add 成为一步，MarkRedundant 之后不会再有新的写入。
	storeMu sync.Mutex
	pending sync.WaitGroup
}

// New 校验配置并返回处于 parsed 阶段的 Worker。
func New(opts Options) (*Worker, error) {
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("origin url is required")
	}
	if err := opts.Manifest.Validate(); err != nil {
		return nil, err
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	concurrency := opts.InstallConcurrency
	if concurrency <= 0 {
		concurrency = defaultInstallConcurrency
	}

	w := &Worker{
		name:        opts.OriginName,
		origin:      opts.Origin,
		manifest:    opts.Manifest,
		storage:     opts.Storage,
		fetcher:     opts.Fetcher,
		logger:      opts.Logger,
		concurrency: concurrency,
		maxEntry:    opts.MaxEntrySize,
	}
	w.phase.Store(PhaseParsed)
	return w, nil
}

// Version 返回当前 Worker 负责的缓存桶名称。
func (w *Worker) Version() string {
	return w.manifest.CacheName
}

// Manifest 返回构造时注入的清单。
func (w *Worker) Manifest() manifest.Manifest {
	return w.manifest
}

// Phase 返回当前生命周期阶段。
func (w *Worker) Phase() Phase {
	return w.phase.Load().(Phase)
}

// MarkRedundant 由宿主在安装失败或被新版本取代时调用。
func (w *Worker) MarkRedundant() {
	w.storeMu.Lock()
	defer w.storeMu.Unlock()
	w.setPhase(PhaseRedundant)
}

// Wait 阻塞直到所有后台缓存写入结束。
func (w *Worker) Wait() {
	w.pending.Wait()
}

// OnInstall 打开当前版本的缓存桶，抓取清单中的全部 URL，全部成功后一次性提交。
// 任一条目失败都会返回 *ManifestFetchError，且不会提交任何条目。
func (w *Worker) OnInstall(ctx context.Context) error {
	started := time.Now()
	w.setPhase(PhaseInstalling)

	bucket, err := w.openBucket(ctx)
	if err != nil {
		w.setPhase(PhaseParsed)
		return fmt.Errorf("open bucket %s: %w", w.Version(), err)
	}

	urls := w.manifest.URLs()
	responses := make([]*cache.Response, len(urls))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(w.concurrency)
	for i, key := range urls {
		eg.Go(func() error {
			resp, err := w.fetchManifestEntry(egCtx, key)
			if err != nil {
				return err
			}
			responses[i] = resp
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		w.setPhase(PhaseParsed)
		w.logLifecycle("install", started, err)
		return err
	}

	items := make([]cache.Item, len(urls))
	for i, key := range urls {
		items[i] = cache.Item{Key: key, Response: responses[i]}
	}
	if err := bucket.PutAll(ctx, items); err != nil {
		w.setPhase(PhaseParsed)
		err = fmt.Errorf("commit bucket %s: %w", w.Version(), err)
		w.logLifecycle("install", started, err)
		return err
	}

	w.setPhase(PhaseInstalled)
	w.logLifecycle("install", started, nil)
	return nil
}

func (w *Worker) fetchManifestEntry(ctx context.Context, key string) (*cache.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.resolve(key).String(), http.NoBody)
	if err != nil {
		return nil, &ManifestFetchError{URL: key, Err: err}
	}
	resp, err := w.fetcher.Fetch(req)
	if err != nil {
		return nil, &ManifestFetchError{URL: key, Err: err}
	}
	if resp.Status < 200 || resp.Status > 299 {
		return nil, &ManifestFetchError{URL: key, Status: resp.Status}
	}
	return resp, nil
}

// OnActivate 删除所有名称与当前版本不同的缓存桶，全部删除后才返回。
func (w *Worker) OnActivate(ctx context.Context) error {
	started := time.Now()
	w.setPhase(PhaseActivating)

	names, err := w.storage.Keys(ctx)
	if err != nil {
		w.logLifecycle("activate", started, err)
		return fmt.Errorf("list buckets: %w", err)
	}
	for _, name := range names {
		if name == w.Version() {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			err = fmt.Errorf("delete stale bucket %s: %w", name, err)
			w.logLifecycle("activate", started, err)
			return err
		}
		w.logger.WithFields(w.lifecycleFields("activate")).
			WithField("stale_bucket", name).
			Info("stale_bucket_deleted")
	}

	w.setPhase(PhaseActivated)
	w.logLifecycle("activate", started, nil)
	return nil
}

func (w *Worker) openBucket(ctx context.Context) (cache.Bucket, error) {
	w.bucketMu.Lock()
	defer w.bucketMu.Unlock()
	if w.bucket != nil {
		return w.bucket, nil
	}
	bucket, err := w.storage.Open(ctx, w.Version())
	if err != nil {
		return nil, err
	}
	w.bucket = bucket
	return bucket, nil
}

func (w *Worker) resolve(key string) *url.URL {
	return network.ResolveKey(w.origin, key)
}

func (w *Worker) setPhase(p Phase) {
	w.phase.Store(p)
}

func (w *Worker) lifecycleFields(action string) logrus.Fields {
	return logging.LifecycleFields(w.name, w.Version(), action)
}

func (w *Worker) logLifecycle(action string, started time.Time, err error) {
	fields := w.lifecycleFields(action)
	fields["phase"] = string(w.Phase())
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		w.logger.WithFields(fields).Error(action + "_failed")
		return
	}
	w.logger.WithFields(fields).Info(action + "_complete")
}
