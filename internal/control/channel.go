package control

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/logging"
)

// MessageType 是控制消息的类型标识。
type MessageType string

const (
	TypeSkipWaiting MessageType = "SKIP_WAITING"
	TypeClearCache  MessageType = "CLEAR_CACHE"
	TypeCacheFile   MessageType = "CACHE_FILE"
)

// Message 是应用发往拦截层的控制消息。Data 在 JSON 中以 base64 编码。
type Message struct {
	Type MessageType `json:"type"`
	Path string      `json:"path,omitempty"`
	Data []byte      `json:"data,omitempty"`
}

// Reply 是已知消息的一次性应答。
type Reply struct {
	Success bool `json:"success"`
}

// Activator 负责让等待中的代际立即激活。
type Activator interface {
	SkipWaiting(ctx context.Context) error
}

// CacheClearer 清空全部缓存分区。
type CacheClearer interface {
	ClearAll(ctx context.Context) bool
}

// FileWriter 写入文件存储。
type FileWriter interface {
	Write(p string, data []byte) bool
}

// Options 聚合 Channel 的依赖。
type Options struct {
	Activator Activator
	Cache     CacheClearer
	Files     FileWriter
	Logger    *logrus.Logger
}

// Channel 处理控制消息：每条已知消息恰好应答一次，未知消息不应答。
type Channel struct {
	activator Activator
	cache     CacheClearer
	files     FileWriter
	logger    *logrus.Logger
}

// New 校验依赖并构建 Channel。
func New(opts Options) (*Channel, error) {
	if opts.Activator == nil {
		return nil, errors.New("activator is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if opts.Files == nil {
		return nil, errors.New("file store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Channel{
		activator: opts.Activator,
		cache:     opts.Cache,
		files:     opts.Files,
		logger:    logger,
	}, nil
}

// Known 判断消息类型是否会被应答。
func Known(t MessageType) bool {
	switch t {
	case TypeSkipWaiting, TypeClearCache, TypeCacheFile:
		return true
	default:
		return false
	}
}

// Post 异步处理消息并返回容量为 1 的应答通道；未知类型返回 nil。
// 处理过程不随 ctx 取消而中断，也没有内置超时。
func (c *Channel) Post(ctx context.Context, msg Message) <-chan Reply {
	if !Known(msg.Type) {
		c.logger.WithFields(logrus.Fields{
			"action": "control",
			"type":   string(msg.Type),
		}).Debug("control_message_ignored")
		return nil
	}

	reply := make(chan Reply, 1)
	work := context.WithoutCancel(ctx)
	go func() {
		defer close(reply)
		success := c.handle(work, msg)
		c.logger.WithFields(logrus.Fields{
			"action":  "control",
			"type":    string(msg.Type),
			"path":    msg.Path,
			"success": success,
		}).Info("control_message_handled")
		reply <- Reply{Success: success}
	}()
	return reply
}

func (c *Channel) handle(ctx context.Context, msg Message) bool {
	switch msg.Type {
	case TypeSkipWaiting:
		if err := c.activator.SkipWaiting(ctx); err != nil {
			c.logger.WithError(err).WithField("action", "control").Warn("skip_waiting_failed")
			return false
		}
		return true
	case TypeClearCache:
		return c.cache.ClearAll(ctx)
	case TypeCacheFile:
		return c.files.Write(msg.Path, msg.Data)
	default:
		return false
	}
}
