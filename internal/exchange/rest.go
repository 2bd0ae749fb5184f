package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// restClient 各交易所 REST 适配器共用的 HTTP 封装
// 按 HTTP 状态归类错误：429/5xx -> Transient，401/403 -> Config，
// 其余 4xx -> Rejected；传输层错误交给 ClassOf 判定
type restClient struct {
	exchange string
	baseURL  string
	http     *http.Client
}

func newRESTClient(exchangeName, baseURL string) *restClient {
	return &restClient{
		exchange: exchangeName,
		baseURL:  baseURL,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

// request 发送请求并返回响应体
// headers 由调用方填充签名；body 为已编码的请求体（可为空）
func (c *restClient) request(ctx context.Context, method, path string, query url.Values, headers map[string]string, body string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, NewError(ClassConfig, c.exchange, method+" "+path, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, NewError(ClassOf(err), c.exchange, method+" "+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		// 响应读取中断：请求可能已被远端处理
		return nil, NewError(ClassAmbiguous, c.exchange, method+" "+path, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	apiErr := fmt.Errorf("http %d: %s", resp.StatusCode, truncate(string(data), 256))
	class := classifyStatus(resp.StatusCode)
	e := NewError(class, c.exchange, method+" "+path, apiErr)
	e.Code = fmt.Sprintf("%d", resp.StatusCode)
	return nil, e
}

func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return ClassTransient
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassConfig
	default:
		return ClassRejected
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var errEmptyResponse = errors.New("empty response")
