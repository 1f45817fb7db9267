package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
)

// State 是当前代际所处的生命周期阶段。
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
)

// Fetcher 用于安装阶段预热根文档。
type Fetcher interface {
	Do(*http.Request) (*http.Response, error)
}

// Options 描述 Controller 的依赖与行为开关。
type Options struct {
	Cache    cache.Store
	Versions cache.VersionSet
	Client   Fetcher
	Origin   *url.URL
	// AutoActivate 为 true 时安装完成后立即激活；否则停留在 installed 直到 SkipWaiting。
	AutoActivate  bool
	SweepInterval time.Duration
	Logger        *logrus.Logger
}

// Status 是对外暴露的注册状态快照。
type Status struct {
	Registered bool     `json:"registered"`
	Active     bool     `json:"active"`
	Waiting    bool     `json:"waiting"`
	Scope      string   `json:"scope"`
	Generation string   `json:"generation"`
	State      State    `json:"state"`
	Version    string   `json:"version"`
	Partitions []string `json:"partitions"`
}

// Controller 管理一个进程代际的安装、激活与周期清理。
type Controller struct {
	store         cache.Store
	versions      cache.VersionSet
	client        Fetcher
	origin        *url.URL
	autoActivate  bool
	sweepInterval time.Duration
	logger        *logrus.Logger
	generation    string

	mu     sync.RWMutex
	state  State
	active chan struct{}
	group  singleflight.Group
}

// New 构建 Controller，并为本次进程分配新的代际 ID。
func New(opts Options) (*Controller, error) {
	if opts.Cache == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Origin == nil {
		return nil, errors.New("origin is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	interval := opts.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Controller{
		store:         opts.Cache,
		versions:      opts.Versions,
		client:        opts.Client,
		origin:        opts.Origin,
		autoActivate:  opts.AutoActivate,
		sweepInterval: interval,
		logger:        logger,
		generation:    uuid.NewString(),
		active:        make(chan struct{}),
	}, nil
}

// Generation 返回代际 ID。
func (c *Controller) Generation() string {
	return c.generation
}

// State 返回当前状态；尚未开始安装时为空字符串。
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Start 执行安装，并在 AutoActivate 打开时紧接着激活。
func (c *Controller) Start(ctx context.Context) error {
	if err := c.Install(ctx); err != nil {
		return err
	}
	if !c.autoActivate {
		c.logger.WithFields(logging.LifecycleFields("lifecycle_wait", c.generation, string(StateInstalled))).
			Info("waiting for skip_waiting")
		return nil
	}
	return c.Activate(ctx)
}

// Install 预热 static 分区中的根文档，失败只记录日志。
func (c *Controller) Install(ctx context.Context) error {
	c.mu.Lock()
	if c.state != "" {
		c.mu.Unlock()
		return nil
	}
	c.state = StateInstalling
	c.mu.Unlock()

	c.logTransition("lifecycle_install", StateInstalling)
	if err := c.prewarm(ctx); err != nil {
		c.logger.WithFields(logging.LifecycleFields("lifecycle_install", c.generation, string(StateInstalling))).
			WithError(err).Warn("prewarm_failed")
	}

	c.setState(StateInstalled)
	return nil
}

// SkipWaiting 立即激活处于等待中的代际；已激活时为空操作。
func (c *Controller) SkipWaiting(ctx context.Context) error {
	if c.State() == "" {
		if err := c.Install(ctx); err != nil {
			return err
		}
	}
	return c.Activate(ctx)
}

// Activate 清除不在 VersionSet 中的分区、执行一次过期清理，然后进入 active。
// 并发调用会合并为一次。
func (c *Controller) Activate(ctx context.Context) error {
	_, err, _ := c.group.Do("activate", func() (interface{}, error) {
		switch c.State() {
		case StateActive:
			return nil, nil
		case StateInstalled:
		default:
			return nil, fmt.Errorf("cannot activate from state %q", c.State())
		}

		c.setState(StateActivating)
		purged, err := c.purgeObsolete(ctx)
		if err != nil {
			c.logger.WithFields(logging.LifecycleFields("lifecycle_activate", c.generation, string(StateActivating))).
				WithError(err).Warn("purge_failed")
		}
		removed, err := c.store.Sweep(ctx)
		if err != nil {
			c.logger.WithFields(logging.LifecycleFields("lifecycle_activate", c.generation, string(StateActivating))).
				WithError(err).Warn("sweep_failed")
		}

		c.mu.Lock()
		c.state = StateActive
		close(c.active)
		c.mu.Unlock()

		fields := logging.LifecycleFields("lifecycle_activate", c.generation, string(StateActive))
		fields["purged"] = purged
		fields["expired_removed"] = removed
		c.logger.WithFields(fields).Info("lifecycle_state")
		return nil, nil
	})
	return err
}

// WaitActive 阻塞直到激活完成或 ctx 结束。
func (c *Controller) WaitActive(ctx context.Context) error {
	select {
	case <-c.active:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 按 SweepInterval 周期清理过期条目，直到 ctx 结束。清理不阻塞请求处理。
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateActive {
				continue
			}
			removed, err := c.store.Sweep(ctx)
			fields := logging.LifecycleFields("cache_sweep", c.generation, string(StateActive))
			fields["expired_removed"] = removed
			if err != nil {
				c.logger.WithFields(fields).WithError(err).Warn("sweep_failed")
				continue
			}
			c.logger.WithFields(fields).Debug("sweep_complete")
		}
	}
}

// Status 返回注册状态快照，包含磁盘上已持久化的分区名。
func (c *Controller) Status(ctx context.Context) Status {
	state := c.State()
	status := Status{
		Registered: state != "",
		Active:     state == StateActive,
		Waiting:    state == StateInstalled,
		Scope:      c.scope(),
		Generation: c.generation,
		State:      state,
		Version:    c.versions.Tag(),
	}
	names, err := c.store.Partitions(ctx)
	if err != nil {
		c.logger.WithError(err).WithField("action", "lifecycle_status").Warn("list_partitions_failed")
	}
	status.Partitions = names
	if status.Partitions == nil {
		status.Partitions = []string{}
	}
	return status
}

func (c *Controller) purgeObsolete(ctx context.Context) (int, error) {
	names, err := c.store.Partitions(ctx)
	if err != nil {
		return 0, err
	}
	g, gctx := errgroup.WithContext(ctx)
	purged := 0
	for _, name := range names {
		if c.versions.Contains(name) {
			continue
		}
		purged++
		g.Go(func() error {
			return c.store.DropPartition(gctx, name)
		})
	}
	return purged, g.Wait()
}

func (c *Controller) prewarm(ctx context.Context) error {
	if c.client == nil {
		return errors.New("no fetcher configured")
	}
	key := cache.RootKey(c.origin)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key.URL, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/html")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("root document returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	header := resp.Header.Clone()
	header.Del("Content-Length")
	entry := &cache.Entry{Key: key, Status: resp.StatusCode, Header: header, Body: body}
	return c.store.Put(ctx, c.versions.Partition(cache.KindStatic), key, entry)
}

func (c *Controller) scope() string {
	return cache.RootKey(c.origin).URL
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.logTransition("lifecycle_state", state)
}

func (c *Controller) logTransition(action string, state State) {
	c.logger.WithFields(logging.LifecycleFields(action, c.generation, string(state))).Info("lifecycle_state")
}
