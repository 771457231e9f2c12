package cache

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/opencontainers/go-digest"
)

// Storage 管理某个源站下的全部缓存桶。磁盘布局遵循：
//
//	<StoragePath>/<origin>/<bucket>/<sha256(key)>.body   # 正文（可能经过 zstd 压缩）
//	<StoragePath>/<origin>/<bucket>/<sha256(key)>.meta   # JSON 元数据，含原始 key
//
// 桶名即缓存版本号，例如 tigris-pwa-v1。
type Storage interface {
	// Open 打开（必要时创建）指定名称的桶。
	Open(ctx context.Context, name string) (Bucket, error)

	// Has 判断桶是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 按名称排序返回当前存在的全部桶。
	Keys(ctx context.Context) ([]string, error)

	// Delete 整体删除一个桶，返回桶此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)
}

// Bucket 是单个版本的键值存储，键为源站相对的请求 URI（path + ?query）。
type Bucket interface {
	Name() string

	// Match 精确匹配 key，未命中返回 ErrNotFound，摘要不一致返回 ErrCorrupt。
	Match(ctx context.Context, key string) (*Response, error)

	// Put 写入单个条目，覆盖同名旧条目。
	Put(ctx context.Context, key string, resp *Response) (*Entry, error)

	// PutAll 先暂存全部条目，只有全部暂存成功才统一提交；任一失败则不留下任何新条目。
	PutAll(ctx context.Context, items []Item) error

	// Keys 返回桶内全部条目的 key（排序后）。
	Keys(ctx context.Context) ([]string, error)
}

// Options 控制存储层的可选行为。
type Options struct {
	// Compress 为 true 时正文以 zstd 压缩后落盘。
	Compress bool
}

// ResponseType 对应响应的来源分类，只有 basic 响应允许写入缓存。
type ResponseType string

const (
	ResponseTypeBasic  ResponseType = "basic"
	ResponseTypeCORS   ResponseType = "cors"
	ResponseTypeOpaque ResponseType = "opaque"
	ResponseTypeError  ResponseType = "error"
)

// Response 是一次完整（已缓冲正文）的 HTTP 响应。
type Response struct {
	Status     int
	Header     http.Header
	Body       []byte
	URL        string
	Type       ResponseType
	Redirected bool
}

// Clone 返回深拷贝，写缓存与返回调用方各持一份。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	cloned.Body = append([]byte(nil), r.Body...)
	return &cloned
}

// Cacheable 判断响应是否满足写入条件：200、同源 basic 且未经过重定向。
func (r *Response) Cacheable() bool {
	if r == nil {
		return false
	}
	return r.Status == http.StatusOK && r.Type == ResponseTypeBasic && !r.Redirected
}

// Item 是 PutAll 的单个写入项。
type Item struct {
	Key      string
	Response *Response
}

// Entry 描述一个已落盘条目的元数据。
type Entry struct {
	Key      string        `json:"key"`
	Status   int           `json:"status"`
	Header   http.Header   `json:"header"`
	URL      string        `json:"url"`
	Type     ResponseType  `json:"type"`
	Digest   digest.Digest `json:"digest"`
	Size     int64         `json:"size"`
	Encoding string        `json:"encoding,omitempty"`
	StoredAt time.Time     `json:"stored_at"`
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrCorrupt 表示正文与元数据中的摘要不一致。
	ErrCorrupt = errors.New("cache entry corrupt")
	// ErrBucketDeleted 表示桶已被整体删除，旧句柄不能再写入。
	ErrBucketDeleted = errors.New("bucket deleted")
	// ErrInvalidName 表示桶名不合法。
	ErrInvalidName = errors.New("invalid bucket name")
)
