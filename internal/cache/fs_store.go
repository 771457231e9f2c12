package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
)

const (
	bodySuffix   = ".body"
	metaSuffix   = ".meta"
	encodingZstd = "zstd"
)

// NewStorage 以 basePath 为根目录构建某个源站的缓存桶集合，整站复用一份实例。
func NewStorage(basePath string, opts Options) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}

	s := &fileStorage{
		basePath: abs,
		opts:     opts,
		dec:      dec,
		locks:    make(map[string]*entryLock),
	}
	if opts.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("init zstd encoder: %w", err)
		}
		s.enc = enc
	}
	return s, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStorage struct {
	basePath string
	opts     Options
	enc      *zstd.Encoder
	dec      *zstd.Decoder

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &fileBucket{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Delete 先把目录改名为隐藏的 .trash-*，再整体删除，读者不会看到只删了一半的桶。
func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return false, err
	}
	trash, err := os.MkdirTemp(s.basePath, ".trash-*")
	if err != nil {
		return false, err
	}
	target := filepath.Join(trash, name)
	if err := os.Rename(dir, target); err != nil {
		os.RemoveAll(trash)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStorage) bucketDir(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.basePath, name), nil
}

func (s *fileStorage) lockEntry(key string) func() {
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

type fileBucket struct {
	storage *fileStorage
	name    string
	dir     string
}

func (b *fileBucket) Name() string {
	return b.name
}

func (b *fileBucket) Match(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base, err := b.entryPath(key)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(base + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("%w: decode meta: %v", ErrCorrupt, err)
	}
	if entry.Key != key {
		return nil, ErrNotFound
	}

	stored, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: body missing", ErrCorrupt)
		}
		return nil, err
	}
	body, err := b.storage.decode(stored, entry.Encoding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := entry.Digest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if entry.Digest.Algorithm().FromBytes(body) != entry.Digest {
		return nil, ErrCorrupt
	}

	header := entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status: entry.Status,
		Header: header,
		Body:   body,
		URL:    entry.URL,
		Type:   entry.Type,
	}, nil
}

func (b *fileBucket) Put(ctx context.Context, key string, resp *Response) (*Entry, error) {
	staged, err := b.stage(ctx, key, resp)
	if err != nil {
		return nil, err
	}
	unlock := b.storage.lockEntry(b.lockKey(key))
	defer unlock()
	if err := staged.commit(); err != nil {
		staged.discard()
		return nil, err
	}
	return &staged.entry, nil
}

func (b *fileBucket) PutAll(ctx context.Context, items []Item) error {
	stagedItems := make([]*stagedEntry, 0, len(items))
	discardAll := func() {
		for _, staged := range stagedItems {
			staged.discard()
		}
	}
	for _, item := range items {
		staged, err := b.stage(ctx, item.Key, item.Response)
		if err != nil {
			discardAll()
			return fmt.Errorf("stage %s: %w", item.Key, err)
		}
		stagedItems = append(stagedItems, staged)
	}
	if err := ctx.Err(); err != nil {
		discardAll()
		return err
	}

	for i, staged := range stagedItems {
		unlock := b.storage.lockEntry(b.lockKey(staged.entry.Key))
		err := staged.commit()
		unlock()
		if err != nil {
			for _, rest := range stagedItems[i:] {
				rest.discard()
			}
			return fmt.Errorf("commit %s: %w", staged.entry.Key, err)
		}
	}
	return nil
}

func (b *fileBucket) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(b.dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), metaSuffix) {
			return nil
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil
		}
		keys = append(keys, entry.Key)
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

type stagedEntry struct {
	base      string
	bodyTemp  string
	metaTemp  string
	entry     Entry
	committed bool
}

// stage 将正文与元数据写入同目录临时文件，commit 时再 rename 到最终位置。
func (b *fileBucket) stage(ctx context.Context, key string, resp *Response) (*stagedEntry, error) {
	if resp == nil {
		return nil, errors.New("response required")
	}
	base, err := b.entryPath(key)
	if err != nil {
		return nil, err
	}

	payload, encoding := b.storage.encode(resp.Body)
	entry := Entry{
		Key:      key,
		Status:   resp.Status,
		Header:   resp.Header.Clone(),
		URL:      resp.URL,
		Type:     resp.Type,
		Digest:   digest.FromBytes(resp.Body),
		Size:     int64(len(resp.Body)),
		Encoding: encoding,
		StoredAt: time.Now().UTC(),
	}
	meta, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}

	// 桶目录不存在时不重建，已删除的桶不会被迟到的写入复活。
	bodyTemp, err := writeTemp(ctx, b.dir, bytes.NewReader(payload))
	if err != nil {
		return nil, bucketErr(err)
	}
	metaTemp, err := writeTemp(ctx, b.dir, bytes.NewReader(meta))
	if err != nil {
		os.Remove(bodyTemp)
		return nil, bucketErr(err)
	}
	return &stagedEntry{base: base, bodyTemp: bodyTemp, metaTemp: metaTemp, entry: entry}, nil
}

// commit 先落正文再落元数据；读者以元数据为准，摘要校验兜住中间态。
func (s *stagedEntry) commit() error {
	if err := os.Rename(s.bodyTemp, s.base+bodySuffix); err != nil {
		return bucketErr(err)
	}
	if err := os.Rename(s.metaTemp, s.base+metaSuffix); err != nil {
		return bucketErr(err)
	}
	s.committed = true
	return nil
}

func (s *stagedEntry) discard() {
	if s.committed {
		return
	}
	os.Remove(s.bodyTemp)
	os.Remove(s.metaTemp)
}

func writeTemp(ctx context.Context, dir string, body io.Reader) (string, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return "", err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

func (s *fileStorage) encode(body []byte) ([]byte, string) {
	if s.enc == nil || len(body) == 0 {
		return body, ""
	}
	return s.enc.EncodeAll(body, nil), encodingZstd
}

func (s *fileStorage) decode(stored []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "":
		return stored, nil
	case encodingZstd:
		return s.dec.DecodeAll(stored, nil)
	default:
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
}

// entryPath 以完整 key 的 sha256 摘要作为文件名前缀，key 与文件一一对应，
// 尾部斜杠、查询串的差异都会落到不同文件。
func (b *fileBucket) entryPath(key string) (string, error) {
	if key == "" || !strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	return filepath.Join(b.dir, digest.FromString(key).Encoded()), nil
}

func bucketErr(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return ErrBucketDeleted
	}
	return err
}

func (b *fileBucket) lockKey(key string) string {
	return b.name + "::" + key
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
