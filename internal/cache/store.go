package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"
)

// Store 负责分区缓存的读写。磁盘布局遵循：
//
//	<BasePath>/<partition-name>/<blake3(key)>.entry
//
// 每个条目只有一个文件：首行是 JSON 元数据，其后为原始正文。
type Store interface {
	// Get 返回分区内的条目。不存在返回 ErrNotFound；TTL 分区中的过期条目会被删除，
	// 并连同 ErrExpired 一起返回，调用方可以把它当作最后兜底。
	Get(ctx context.Context, partition Partition, key Key) (*Entry, error)

	// Match 在当前版本的全部分区中查找 key，不考虑 TTL。
	Match(ctx context.Context, key Key) (*Entry, error)

	// Put 覆盖写入条目，CachedAt 在写入时盖章。
	Put(ctx context.Context, partition Partition, key Key, entry *Entry) error

	// Delete 删除单个条目，不存在时不报错。
	Delete(ctx context.Context, partition Partition, key Key) error

	// ClearAll 删除全部已持久化的分区（包括非当前版本的），返回删除是否完成。
	ClearAll(ctx context.Context) bool

	// Partitions 列出磁盘上已持久化的分区名。
	Partitions(ctx context.Context) ([]string, error)

	// DropPartition 整体删除一个分区。
	DropPartition(ctx context.Context, name string) error

	// Sweep 物理删除 TTL 分区中已过期的条目，返回删除数量。
	Sweep(ctx context.Context) (int, error)
}

// Key 唯一标识一个可缓存的请求：方法固定为 GET，URL 为绝对地址（不含 fragment）。
type Key struct {
	Method string
	URL    string
}

// NewKey 从绝对 URL 构造缓存键。
func NewKey(u *url.URL) Key {
	clone := *u
	clone.Fragment = ""
	clone.RawFragment = ""
	return Key{Method: http.MethodGet, URL: clone.String()}
}

// ParseKey 解析字符串形式的绝对 URL 并构造缓存键。
func ParseKey(raw string) (Key, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Key{}, err
	}
	if !u.IsAbs() {
		return Key{}, errors.New("cache key requires an absolute url")
	}
	return NewKey(u), nil
}

// RootKey 返回应用根文档 <origin>/ 的缓存键。
func RootKey(origin *url.URL) Key {
	root := *origin
	root.Path = "/"
	root.RawPath = ""
	root.RawQuery = ""
	return NewKey(&root)
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Entry 是一次缓存的响应。CachedAt 仅供缓存层计算 TTL，不会作为响应头透出。
type Entry struct {
	Key      Key
	Status   int
	Header   http.Header
	Body     []byte
	CachedAt time.Time
}

// Options 控制磁盘缓存的构造参数。
type Options struct {
	BasePath string
	Versions VersionSet
	// Now 允许测试注入时钟，默认 time.Now。
	Now func() time.Time
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrExpired 表示条目已超过分区 TTL，已被删除。
	ErrExpired = errors.New("cache entry expired")
)
