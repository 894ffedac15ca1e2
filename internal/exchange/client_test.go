package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"barrierbot/internal/config"
)

func newTestClient(baseURL string, maxRetry int) *Client {
	c := NewClient(config.ExchangeConfig{
		BaseURL:        baseURL,
		AccessKey:      "access",
		SecretKey:      "secret",
		RequestTimeout: time.Second,
		MaxRetry:       maxRetry,
	}, zerolog.Nop())
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func TestDoRetriesOn429ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.Header().Set("Remaining-Req", "group=order; min=900; sec=0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Remaining-Req", "group=order; min=899; sec=29")
		_ = json.NewEncoder(w).Encode([]map[string]string{{"currency": "KRW"}})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 5)
	accounts, result, err := c.GetAccounts(context.Background())
	if err != nil {
		t.Fatalf("重试后应成功: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("期望 1 个账户, 实际 %d", len(accounts))
	}
	if result.Attempts != 3 {
		t.Fatalf("期望 3 次请求, 实际 %d", result.Attempts)
	}
	if result.RemainingReq != "group=order; min=899; sec=29" {
		t.Fatalf("应保留限频头, 实际 %q", result.RemainingReq)
	}
	if result.HTTPStatus != http.StatusOK {
		t.Fatalf("状态码期望 200, 实际 %d", result.HTTPStatus)
	}
}

func TestDoFatalOnNon429ClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid access key"}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 5)
	_, result, err := c.GetAccounts(context.Background())
	if err == nil {
		t.Fatal("401 应报错")
	}
	if Retryable(err) {
		t.Fatal("401 不应标记为可重试")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("401 不应重试, 实际请求 %d 次", got)
	}
	if result.HTTPStatus != http.StatusUnauthorized {
		t.Fatalf("应返回原始状态码, 实际 %d", result.HTTPStatus)
	}
}

func TestDoExhaustsRetriesOn500(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3)
	_, _, err := c.GetAccounts(context.Background())
	if err == nil {
		t.Fatal("持续 500 应最终报错")
	}
	if !Retryable(err) {
		t.Fatal("500 应标记为可重试")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("期望重试到上限 3 次, 实际 %d", got)
	}
}

func TestDoSendsAuthorizationHeader(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode([]map[string]string{})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 1)
	if _, _, err := c.GetAccounts(context.Background()); err != nil {
		t.Fatalf("请求不应报错: %v", err)
	}
	if len(auth) < 8 || auth[:7] != "Bearer " {
		t.Fatalf("应携带 Bearer 令牌, 实际 %q", auth)
	}
}

func TestOrderTestPostsJSONBody(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("应为 POST, 实际 %s", r.Method)
		}
		if r.URL.Path != "/v1/orders/test" {
			t.Fatalf("路径不正确: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"uuid": "x"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 1)
	req := OrderRequest{Market: "KRW-BTC", Side: "bid", OrdType: "price", Price: "6000", Identifier: "bb-1-ENTER_LONG"}
	if _, err := c.OrderTest(context.Background(), req); err != nil {
		t.Fatalf("OrderTest 不应报错: %v", err)
	}
	if body["market"] != "KRW-BTC" || body["side"] != "bid" || body["ord_type"] != "price" {
		t.Fatalf("请求体不正确: %#v", body)
	}
	if body["identifier"] != "bb-1-ENTER_LONG" {
		t.Fatalf("identifier 不正确: %#v", body)
	}
}

func TestHasCredentials(t *testing.T) {
	c := NewClient(config.ExchangeConfig{BaseURL: "http://localhost"}, zerolog.Nop())
	if c.HasCredentials() {
		t.Fatal("无密钥时 HasCredentials 应为 false")
	}
}

func TestParseRemainingSec(t *testing.T) {
	n, ok := ParseRemainingSec("group=order; min=900; sec=29")
	if !ok || n != 29 {
		t.Fatalf("期望 29, 实际 %d ok=%t", n, ok)
	}
	if _, ok := ParseRemainingSec(""); ok {
		t.Fatal("空头不应解析成功")
	}
	if _, ok := ParseRemainingSec("group=order; min=900"); ok {
		t.Fatal("缺少 sec 字段不应解析成功")
	}
	if _, ok := ParseRemainingSec("sec=abc"); ok {
		t.Fatal("非数字不应解析成功")
	}
}
