// Package lifecycle hosts cache workers the way a browser hosts service
// workers: it fires install (retrying with backoff), then activate, then
// claims control so new requests are served by the new version. A failed
// install leaves the previous controller in place.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tigris-pwa/tigris-cache/internal/logging"
	"github.com/tigris-pwa/tigris-cache/internal/worker"
)

// RetryPolicy 控制安装阶段的重试：最多额外重试 MaxRetries 次，间隔从 InitialBackoff 起翻倍。
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
}

// Options 构造 Registration 所需的参数。
type Options struct {
	Origin string
	Logger *logrus.Logger
	Retry  RetryPolicy
}

// State 是 Registration 的只读快照，供诊断接口输出。
type State struct {
	Origin          string    `json:"origin"`
	Version         string    `json:"version,omitempty"`
	Phase           string    `json:"phase,omitempty"`
	Controlled      bool      `json:"controlled"`
	LastUpdate      time.Time `json:"last_update,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	InstallAttempts int       `json:"install_attempts"`
}

// Registration 持有某个源站当前的控制 Worker，并串行化所有更新。
type Registration struct {
	origin string
	logger *logrus.Logger
	retry  RetryPolicy

	updateMu   sync.Mutex
	controller atomic.Pointer[worker.Worker]

	stateMu    sync.RWMutex
	lastUpdate time.Time
	lastErr    error
	attempts   int
}

// New 返回尚无控制 Worker 的 Registration。
func New(opts Options) (*Registration, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Retry.MaxRetries < 0 {
		opts.Retry.MaxRetries = 0
	}
	if opts.Retry.InitialBackoff <= 0 {
		opts.Retry.InitialBackoff = time.Second
	}
	return &Registration{
		origin: opts.Origin,
		logger: opts.Logger,
		retry:  opts.Retry,
	}, nil
}

// Controller 返回当前控制请求的 Worker；首次激活成功前为 nil。
func (r *Registration) Controller() *worker.Worker {
	return r.controller.Load()
}

// Update 依次执行 install（带重试）→ activate → claim。
// install 最终失败时新 Worker 被标记为 redundant，原控制 Worker 继续服务，错误原样返回。
func (r *Registration) Update(ctx context.Context, w *worker.Worker) error {
	if w == nil {
		return errors.New("worker is required")
	}
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	if w == r.Controller() {
		return errors.New("worker already controls this registration")
	}

	attempts, err := r.install(ctx, w)
	if err != nil {
		w.MarkRedundant()
		r.record(attempts, err)
		return err
	}

	// 安装成功后总是立即接管，不等待旧版本的客户端全部关闭。
	if err := w.OnActivate(ctx); err != nil {
		w.MarkRedundant()
		r.record(attempts, err)
		return err
	}

	previous := r.controller.Swap(w)
	if previous != nil && previous != w {
		previous.MarkRedundant()
		previous.Wait()
	}
	r.record(attempts, nil)

	fields := logging.LifecycleFields(r.origin, w.Version(), "claim")
	if previous != nil {
		fields["previous_version"] = previous.Version()
	}
	r.logger.WithFields(fields).Info("claim_complete")
	return nil
}

func (r *Registration) install(ctx context.Context, w *worker.Worker) (int, error) {
	backoff := r.retry.InitialBackoff
	var err error
	attempt := 0
	for ; attempt <= r.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			fields := logging.LifecycleFields(r.origin, w.Version(), "install_retry")
			fields["attempt"] = attempt + 1
			fields["backoff_ms"] = backoff.Milliseconds()
			r.logger.WithFields(fields).WithError(err).Warn("install_retry")
			if sleepErr := sleep(ctx, backoff); sleepErr != nil {
				return attempt, sleepErr
			}
			backoff *= 2
		}
		if err = w.OnInstall(ctx); err == nil {
			return attempt + 1, nil
		}
		if ctx.Err() != nil {
			return attempt + 1, err
		}
	}
	return attempt, err
}

// Snapshot 返回当前状态。
func (r *Registration) Snapshot() State {
	state := State{Origin: r.origin}
	if w := r.Controller(); w != nil {
		state.Controlled = true
		state.Version = w.Version()
		state.Phase = string(w.Phase())
	}

	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	state.LastUpdate = r.lastUpdate
	state.InstallAttempts = r.attempts
	if r.lastErr != nil {
		state.LastError = r.lastErr.Error()
	}
	return state
}

func (r *Registration) record(attempts int, err error) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.lastUpdate = time.Now().UTC()
	r.lastErr = err
	r.attempts = attempts
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
