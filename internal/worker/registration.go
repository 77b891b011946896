package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNoActiveWorker 表示站点尚无可处理请求的 Worker。
var ErrNoActiveWorker = errors.New("no active worker")

// WorkerInfo 是 Worker 的只读快照。
type WorkerInfo struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	Bucket      string    `json:"bucket"`
	State       State     `json:"state"`
	InstalledAt time.Time `json:"installed_at"`
	SkipWaiting bool      `json:"skip_waiting"`
}

// Status 汇总一个站点注册的运行状态。
type Status struct {
	Site    string      `json:"site"`
	Active  *WorkerInfo `json:"active,omitempty"`
	Waiting *WorkerInfo `json:"waiting,omitempty"`
	Clients int         `json:"clients"`
	Buckets []string    `json:"buckets"`
}

// Registration 扮演宿主环境：安装新版本、在合适时机激活，并把请求交给当前激活的 Worker。
//
// 等待中的 Worker 在以下任一条件满足时激活：没有正在处理的请求；收到 SKIP_WAITING。
type Registration struct {
	opts Options

	// updateMu 串行化 Register，安装期间不阻塞请求处理。
	updateMu sync.Mutex

	mu      sync.Mutex
	active  *Worker
	waiting *Worker
	clients int
}

// NewRegistration 创建站点注册，opts 会被传给此后安装的所有 Worker。
func NewRegistration(opts Options) *Registration {
	if opts.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		opts.Logger = logger
	}
	return &Registration{opts: opts}
}

// Register 安装 cfg 对应的 Worker。配置与当前激活或等待中的版本一致时不做任何事。
func (r *Registration) Register(ctx context.Context, cfg Config) (*Worker, error) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.Lock()
	if r.waiting != nil && r.waiting.cfg.Equal(cfg) {
		existing := r.waiting
		r.mu.Unlock()
		return existing, nil
	}
	if r.waiting == nil && r.active != nil && r.active.cfg.Equal(cfg) {
		existing := r.active
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	w, err := New(cfg, r.opts)
	if err != nil {
		return nil, err
	}
	w.setState(StateInstalling)
	w.Install(ctx)
	w.setState(StateInstalled)

	r.mu.Lock()
	defer r.mu.Unlock()
	if previous := r.waiting; previous != nil {
		if err := previous.retire(context.WithoutCancel(ctx)); err != nil {
			r.logger("register").WithError(err).Warn("worker_retire_failed")
		}
	}
	r.waiting = w
	if r.active == nil || r.clients == 0 || w.SkipWaiting() {
		r.promoteLocked(context.WithoutCancel(ctx))
	} else {
		r.logger("register").WithFields(logrus.Fields{
			"version": w.cfg.Version,
			"clients": r.clients,
		}).Info("worker_waiting")
	}
	return w, nil
}

// Fetch 把请求交给当前激活的 Worker，并在请求期间计入受控客户端。
func (r *Registration) Fetch(ctx context.Context, req Request) (*FetchResult, error) {
	w, err := r.acquire()
	if err != nil {
		return nil, err
	}
	defer r.release(context.WithoutCancel(ctx))
	return w.Fetch(ctx, req)
}

// PostMessage 把消息投递给等待中的 Worker（没有时投递给激活的 Worker），返回是否触发了激活。
func (r *Registration) PostMessage(ctx context.Context, msg Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := r.waiting
	if target == nil {
		target = r.active
	}
	if target == nil {
		return false, ErrNoActiveWorker
	}
	if !target.HandleMessage(msg) {
		return false, nil
	}
	if target != r.waiting {
		return false, nil
	}
	return r.promoteLocked(context.WithoutCancel(ctx)), nil
}

// Active 返回当前激活的 Worker，可能为 nil。
func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Waiting 返回等待中的 Worker，可能为 nil。
func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Status 返回注册状态以及站点存储中的所有缓存桶。
func (r *Registration) Status(ctx context.Context) (Status, error) {
	r.mu.Lock()
	status := Status{Site: r.opts.Site, Clients: r.clients}
	if r.active != nil {
		info := r.active.Info()
		status.Active = &info
	}
	if r.waiting != nil {
		info := r.waiting.Info()
		status.Waiting = &info
	}
	r.mu.Unlock()

	buckets, err := r.opts.Storage.Keys(ctx)
	if err != nil {
		return status, err
	}
	status.Buckets = buckets
	return status, nil
}

// Close 等待所有 Worker 的后台写入完成。
func (r *Registration) Close(ctx context.Context) error {
	r.mu.Lock()
	workers := []*Worker{r.active, r.waiting}
	r.mu.Unlock()

	var errs []error
	for _, w := range workers {
		if w == nil {
			continue
		}
		if err := w.Drain(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registration) acquire() (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil, ErrNoActiveWorker
	}
	r.clients++
	return r.active, nil
}

func (r *Registration) release(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients--
	if r.clients == 0 && r.waiting != nil {
		r.promoteLocked(ctx)
	}
}

// promoteLocked 激活等待中的 Worker。调用方必须持有 r.mu，激活期间新请求会被阻塞。
func (r *Registration) promoteLocked(ctx context.Context) bool {
	next := r.waiting
	if next == nil {
		return false
	}
	r.waiting = nil
	previous := r.active

	next.setState(StateActivating)
	if previous != nil {
		// 旧版本的写入必须在其缓存桶被删除之前落盘
		if err := previous.retire(ctx); err != nil {
			r.logger("activate").WithError(err).Warn("worker_retire_failed")
		}
	}

	report, err := next.Activate(ctx)
	if err != nil {
		r.logger("activate").WithError(err).WithField("version", next.cfg.Version).Error("activate_incomplete")
	}
	next.setState(StateActivated)
	r.active = next
	r.opts.Metrics.WorkerActivated(r.opts.Site, next.cfg.Version)

	fields := logrus.Fields{
		"version": next.cfg.Version,
		"bucket":  report.Bucket,
		"deleted": report.Deleted,
	}
	if previous != nil {
		fields["previous_version"] = previous.cfg.Version
	}
	r.logger("activate").WithFields(fields).Info("worker_activated")
	return true
}

func (r *Registration) logger(action string) *logrus.Entry {
	return r.opts.Logger.WithFields(logrus.Fields{
		"action": action,
		"site":   r.opts.Site,
	})
}
