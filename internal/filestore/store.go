package filestore

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Record 是一次成功读取的文件记录。
type Record struct {
	Path        string
	Data        []byte
	ContentType string
}

// Store 把斜杠分隔的路径映射到 <root>/<seg>/.../<name> 的磁盘文件。
// 所有失败都以 false/nil 的形式返回，不会把错误抛给调用方。
type Store struct {
	root   string
	logger *logrus.Logger

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

var errMalformedPath = errors.New("malformed file path")

// New 以 root 为根目录构建文件存储；根目录本身在构造时创建。
func New(root string, logger *logrus.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("file store root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve file store root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create file store root: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{
		root:   abs,
		logger: logger,
		locks:  make(map[string]*entryLock),
	}, nil
}

// Exists 逐级检查目录与文件，任何一级缺失都视为不存在。
func (s *Store) Exists(p string) bool {
	full, err := s.resolve(p)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// Read 返回记录内容；不存在、路径非法或 I/O 失败时返回 nil。
// 读取路径上不会创建任何目录。
func (s *Store) Read(p string) *Record {
	full, err := s.resolve(p)
	if err != nil {
		return nil
	}
	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		return nil
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logFailure("file_read", p, err)
		}
		return nil
	}
	return &Record{
		Path:        cleanPath(p),
		Data:        data,
		ContentType: detectContentType(full, data),
	}
}

// Write 写入（或覆盖）记录，沿途缺失的目录会被自动创建。
func (s *Store) Write(p string, data []byte) bool {
	full, err := s.resolve(p)
	if err != nil {
		s.logFailure("file_write", p, err)
		return false
	}

	unlock := s.lockEntry(full)
	defer unlock()

	dir := filepath.Dir(full)
	if err := s.mkdirs(dir); err != nil {
		s.logFailure("file_write", p, err)
		return false
	}

	tempFile, err := os.CreateTemp(dir, ".file-*")
	if err != nil {
		s.logFailure("file_write", p, err)
		return false
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tempName, full)
	}
	if err != nil {
		os.Remove(tempName)
		s.logFailure("file_write", p, err)
		return false
	}
	return true
}

// Root 返回存储根目录的绝对路径。
func (s *Store) Root() string {
	return s.root
}

// mkdirs 逐段创建目录；若某一段已被同名文件占用则失败。
func (s *Store) mkdirs(dir string) error {
	rel, err := filepath.Rel(s.root, dir)
	if err != nil {
		return err
	}
	current := s.root
	if rel == "." {
		return nil
	}
	for _, seg := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, seg)
		info, err := os.Stat(current)
		switch {
		case err == nil && info.IsDir():
			continue
		case err == nil:
			return fmt.Errorf("%s is not a directory", current)
		case errors.Is(err, fs.ErrNotExist):
			if err := os.Mkdir(current, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
				return err
			}
		default:
			return err
		}
	}
	return nil
}

func (s *Store) resolve(p string) (string, error) {
	parts := splitPath(p)
	if len(parts) == 0 {
		return "", errMalformedPath
	}
	for _, part := range parts {
		if part == "." || part == ".." || strings.ContainsRune(part, '\\') || strings.ContainsRune(part, 0) {
			return "", errMalformedPath
		}
	}
	full := filepath.Join(append([]string{s.root}, parts...)...)
	if !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", errMalformedPath
	}
	return full, nil
}

func (s *Store) lockEntry(key string) func() {
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

func (s *Store) logFailure(action, p string, err error) {
	s.logger.WithFields(logrus.Fields{
		"action": action,
		"path":   p,
	}).WithError(err).Warn("file_store_failed")
}

// splitPath 按 '/' 切分并忽略空段。
func splitPath(p string) []string {
	raw := strings.Split(p, "/")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func cleanPath(p string) string {
	return path.Clean("/" + strings.Join(splitPath(p), "/"))
}

func detectContentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	if len(data) == 0 {
		return ""
	}
	ct := http.DetectContentType(data)
	if ct == "application/octet-stream" {
		return ""
	}
	return ct
}
