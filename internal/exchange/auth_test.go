package exchange

import (
	"crypto/sha512"
	"encoding/hex"
	"net/url"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestCredentialsValid(t *testing.T) {
	if (Credentials{}).Valid() {
		t.Fatal("空密钥对不应有效")
	}
	if (Credentials{AccessKey: "a"}).Valid() {
		t.Fatal("缺少 secret 不应有效")
	}
	if !(Credentials{AccessKey: "a", SecretKey: "s"}).Valid() {
		t.Fatal("完整密钥对应有效")
	}
}

func TestAuthTokenClaims(t *testing.T) {
	creds := Credentials{AccessKey: "access", SecretKey: "secret"}
	params := url.Values{}
	params.Set("market", "KRW-BTC")
	params.Set("side", "bid")

	signed, err := authToken(creds, params)
	if err != nil {
		t.Fatalf("签名不应报错: %v", err)
	}

	parsed, err := jwt.Parse(signed, func(token *jwt.Token) (interface{}, error) {
		return []byte("secret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		t.Fatalf("解析令牌失败: %v", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		t.Fatal("claims 类型不正确")
	}
	if claims["access_key"] != "access" {
		t.Fatalf("access_key 不正确: %v", claims["access_key"])
	}
	if claims["nonce"] == "" || claims["nonce"] == nil {
		t.Fatal("nonce 应非空")
	}

	sum := sha512.Sum512([]byte(params.Encode()))
	if claims["query_hash"] != hex.EncodeToString(sum[:]) {
		t.Fatalf("query_hash 不匹配: %v", claims["query_hash"])
	}
	if claims["query_hash_alg"] != "SHA512" {
		t.Fatalf("query_hash_alg 应为 SHA512: %v", claims["query_hash_alg"])
	}
}

func TestAuthTokenOmitsHashWithoutParams(t *testing.T) {
	signed, err := authToken(Credentials{AccessKey: "a", SecretKey: "s"}, nil)
	if err != nil {
		t.Fatalf("签名不应报错: %v", err)
	}
	parsed, err := jwt.Parse(signed, func(token *jwt.Token) (interface{}, error) {
		return []byte("s"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		t.Fatalf("解析令牌失败: %v", err)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if _, present := claims["query_hash"]; present {
		t.Fatal("无参数请求不应携带 query_hash")
	}
}
