// Package gemjwt 生成 Gemini Business 上游接受的自签 JWT。
//
// 上游校验的 token 并非标准 JWS：header 与 payload 的 JSON 先经过一层
// 按 UTF-16 码元展开的字节编码（下称 kq 编码），再做 base64url。对纯
// ASCII 的 JSON 而言 kq 编码等同于恒等变换，因此产出的 token 可以被
// 标准 JWT 库解析验证。
package gemjwt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"
)

const (
	// Issuer 固定签发方
	Issuer = "https://business.gemini.google"
	// Audience 上游接口的受众
	Audience = "https://biz-discoveryengine.googleapis.com"
	// TokenLifetime token 有效期
	TokenLifetime = 300 * time.Second
)

// KQEncode 将字符串按 UTF-16 码元展开为字节序列：
// 每个码元 c 先输出低字节 c&0xFF，若 c>255 再输出高字节 c>>8。
func KQEncode(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, len(units))
	for _, c := range units {
		out = append(out, byte(c&0xFF))
		if c > 255 {
			out = append(out, byte(c>>8))
		}
	}
	return out
}

// DecodeXSRFToken 将 URL-safe base64（可带可不带 padding）解码为 HMAC 密钥。
func DecodeXSRFToken(token string) ([]byte, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(token), "=")
	key, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("decode xsrf token: %w", err)
	}
	return key, nil
}

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

type claims struct {
	Iss string `json:"iss"`
	Aud string `json:"aud"`
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
	Nbf int64  `json:"nbf"`
}

// Mint 用 getoxsrf 返回的 keyId + 密钥为指定 csesidx 生成 token。
// 返回 token 与过期时间。
func Mint(key []byte, keyID, csesidx string, now time.Time) (string, time.Time, error) {
	iat := now.Unix()
	exp := now.Add(TokenLifetime)

	headerJSON, err := json.Marshal(header{Alg: "HS256", Typ: "JWT", Kid: keyID})
	if err != nil {
		return "", time.Time{}, err
	}
	claimsJSON, err := json.Marshal(claims{
		Iss: Issuer,
		Aud: Audience,
		Sub: "csesidx/" + csesidx,
		Iat: iat,
		Exp: exp.Unix(),
		Nbf: iat,
	})
	if err != nil {
		return "", time.Time{}, err
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(KQEncode(string(headerJSON))) + "." +
		enc.EncodeToString(KQEncode(string(claimsJSON)))

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(signingInput))
	signature := enc.EncodeToString(mac.Sum(nil))

	return signingInput + "." + signature, exp, nil
}

// StripXSSIPrefix 去掉 Google 响应体的 ")]}'"+换行 防护前缀。
func StripXSSIPrefix(body string) string {
	if strings.HasPrefix(body, ")]}'") {
		return strings.TrimSpace(body[4:])
	}
	return body
}
