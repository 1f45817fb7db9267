package cache

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"lukechampine.com/blake3"
)

const entrySuffix = ".entry"

// NewStore 以 opts.BasePath 为根目录构建分区缓存，整个进程复用一份实例。
func NewStore(opts Options) (Store, error) {
	if opts.BasePath == "" {
		return nil, errors.New("cache path required")
	}

	abs, err := filepath.Abs(opts.BasePath)
	if err != nil {
		return nil, fmt.Errorf("resolve cache path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache path: %w", err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &fileStore{
		basePath: abs,
		versions: opts.Versions,
		now:      now,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 串行化同一条目的写入/删除，读取依赖 rename 的原子性。
type fileStore struct {
	basePath string
	versions VersionSet
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryHeader 是条目文件首行的 JSON 元数据。
type entryHeader struct {
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	CachedAt time.Time   `json:"cached_at"`
}

func (s *fileStore) Get(ctx context.Context, partition Partition, key Key) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entry, err := s.load(partition.Name, key)
	if err != nil {
		return nil, err
	}

	if partition.Fresh(entry, s.now()) {
		return entry, nil
	}

	if err := s.Delete(ctx, partition, key); err != nil {
		return entry, fmt.Errorf("%w: delete failed: %v", ErrExpired, err)
	}
	return entry, ErrExpired
}

func (s *fileStore) Match(ctx context.Context, key Key) (*Entry, error) {
	for _, partition := range s.versions.All() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, err := s.load(partition.Name, key)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (s *fileStore) Put(ctx context.Context, partition Partition, key Key, entry *Entry) error {
	if entry == nil {
		return errors.New("cache entry required")
	}
	filePath, err := s.entryPath(partition.Name, key)
	if err != nil {
		return err
	}

	unlock := s.lockEntry(filePath)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	header := entryHeader{
		Method:   key.Method,
		URL:      key.URL,
		Status:   entry.Status,
		Header:   entry.Header,
		CachedAt: s.now().UTC(),
	}
	if header.Status == 0 {
		header.Status = http.StatusOK
	}
	meta, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode cache header: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	w := bufio.NewWriter(tempFile)
	_, err = w.Write(meta)
	if err == nil {
		err = w.WriteByte('\n')
	}
	if err == nil {
		_, err = w.Write(entry.Body)
	}
	if err == nil {
		err = w.Flush()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) Delete(ctx context.Context, partition Partition, key Key) error {
	filePath, err := s.entryPath(partition.Name, key)
	if err != nil {
		return err
	}
	return s.removeFile(filePath)
}

func (s *fileStore) ClearAll(ctx context.Context) bool {
	names, err := s.Partitions(ctx)
	if err != nil {
		return false
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			return s.DropPartition(gctx, name)
		})
	}
	return g.Wait() == nil
}

func (s *fileStore) Partitions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if item.IsDir() && !strings.HasPrefix(item.Name(), ".") {
			names = append(names, item.Name())
		}
	}
	return names, nil
}

func (s *fileStore) DropPartition(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (s *fileStore) Sweep(ctx context.Context) (int, error) {
	removed := 0
	now := s.now()
	for _, partition := range s.versions.All() {
		if partition.TTL <= 0 {
			continue
		}
		dir, err := s.partitionDir(partition.Name)
		if err != nil {
			return removed, err
		}
		items, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return removed, err
		}
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return removed, err
			}
			if item.IsDir() || !strings.HasSuffix(item.Name(), entrySuffix) {
				continue
			}
			filePath := filepath.Join(dir, item.Name())
			header, err := readHeader(filePath)
			if err != nil {
				continue
			}
			if partition.Fresh(&Entry{CachedAt: header.CachedAt}, now) {
				continue
			}
			if err := s.removeFile(filePath); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (s *fileStore) load(partitionName string, key Key) (*Entry, error) {
	filePath, err := s.entryPath(partitionName, key)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	idx := bytes.IndexByte(raw, '\n')
	if idx < 0 {
		return nil, fmt.Errorf("corrupt cache entry %s", filePath)
	}
	var header entryHeader
	if err := json.Unmarshal(raw[:idx], &header); err != nil {
		return nil, fmt.Errorf("decode cache header: %w", err)
	}
	if header.URL != key.URL {
		// blake3 碰撞几乎不可能，但仍视为未命中。
		return nil, ErrNotFound
	}
	return &Entry{
		Key:      Key{Method: header.Method, URL: header.URL},
		Status:   header.Status,
		Header:   header.Header,
		Body:     raw[idx+1:],
		CachedAt: header.CachedAt,
	}, nil
}

func readHeader(filePath string) (entryHeader, error) {
	var header entryHeader
	f, err := os.Open(filePath)
	if err != nil {
		return header, err
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return header, err
	}
	err = json.Unmarshal(bytes.TrimSpace(line), &header)
	return header, err
}

func (s *fileStore) removeFile(filePath string) error {
	unlock := s.lockEntry(filePath)
	defer unlock()
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) partitionDir(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid partition name %q", name)
	}
	return filepath.Join(s.basePath, name), nil
}

func (s *fileStore) entryPath(partitionName string, key Key) (string, error) {
	dir, err := s.partitionDir(partitionName)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256([]byte(key.String()))
	return filepath.Join(dir, hex.EncodeToString(sum[:])+entrySuffix), nil
}
