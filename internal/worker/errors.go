package worker

import "fmt"

// ManifestFetchError 表示安装阶段某个清单条目获取失败，整次安装随之失败。
type ManifestFetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *ManifestFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch manifest entry %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch manifest entry %s: unexpected status %d", e.URL, e.Status)
}

func (e *ManifestFetchError) Unwrap() error {
	return e.Err
}
