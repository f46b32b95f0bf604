package utils

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxMediaBytes 单张图片下载上限
const MaxMediaBytes = 32 << 20

// FetchMedia 下载远程图片，返回内容与推断的扩展名
func FetchMedia(ctx context.Context, client *http.Client, url string) ([]byte, string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	reqCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download image http %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image body: %w", err)
	}
	if len(data) > MaxMediaBytes {
		return nil, "", fmt.Errorf("image exceeds %d bytes", MaxMediaBytes)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("image body is empty")
	}
	return data, GuessExtension(resp.Header.Get("Content-Type"), data), nil
}
