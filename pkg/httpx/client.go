package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ============================================================================
// 带重试的 HTTP 客户端
// ============================================================================
//
// 所有网关适配器共用同一个重试工具，超时和重试次数由各渠道配置注入。
//
// 【重试原则】
//   只重试传输层失败（超时、连接重置等拿不到响应的情况）。
//   只要网关返回了 HTTP 响应——哪怕是 4xx/5xx——都视为业务层答复，
//   交给适配器解读，绝不盲目重发，避免重复扣款。
//
// 重试间隔按指数退避：base, base*2, base*4 ...
// 每次请求的退避等待互相独立，不会阻塞其他在途请求。
//
// ============================================================================

const defaultBackoffBase = 500 * time.Millisecond

// Client 带重试的 HTTP 客户端
type Client struct {
	httpClient  *http.Client
	maxAttempts int
	backoffBase time.Duration
}

// NewClient 创建客户端
// timeout 是单次请求的超时；retryAttempts 是传输失败后的额外重试次数
func NewClient(timeout time.Duration, retryAttempts int) *Client {
	if retryAttempts < 0 {
		retryAttempts = 0
	}
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		maxAttempts: retryAttempts + 1,
		backoffBase: defaultBackoffBase,
	}
}

// Result HTTP 调用结果
type Result struct {
	StatusCode int
	Body       []byte
}

// DoJSON 发送 JSON 请求并读取完整响应体
// payload 为 nil 时不携带请求体（如 GET）
func (c *Client) DoJSON(ctx context.Context, method, url string, headers map[string]string, payload interface{}) (*Result, error) {
	var reqBody []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
		reqBody = b
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			// 指数退避后重试
			backoff := c.backoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, err := c.doOnce(ctx, method, url, headers, reqBody)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// 上下文已取消就没必要继续重试了
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("请求失败（已重试 %d 次）: %w", c.maxAttempts-1, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, url string, headers map[string]string, reqBody []byte) (*Result, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		bodyReader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("构造请求失败: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}

	return &Result{StatusCode: resp.StatusCode, Body: body}, nil
}

// SetBackoffBase 调整退避基准（测试用）
func (c *Client) SetBackoffBase(d time.Duration) {
	c.backoffBase = d
}
