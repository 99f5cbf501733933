package identity

import (
	"encoding/base64"
	"strings"

	"github.com/tidwall/gjson"
)

// ClaimPath 是 ChatGPT 令牌中承载账号信息的命名空间声明
const ClaimPath = `https://api\.openai\.com/auth`

// DecodePayload returns the JSON payload of a JWT, or "" when token is not a JWT
func DecodePayload(token string) string {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ""
	}
	seg := strings.TrimRight(parts[1], "=")
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return ""
	}
	if !gjson.ValidBytes(raw) {
		return ""
	}
	return string(raw)
}

// AccountIDFromToken reads <claim-path>.chatgpt_account_id
func AccountIDFromToken(token string) string {
	payload := DecodePayload(token)
	if payload == "" {
		return ""
	}
	return gjson.Get(payload, ClaimPath+".chatgpt_account_id").String()
}

// PlanType reads <claim-path>.chatgpt_plan_type
func PlanType(token string) string {
	payload := DecodePayload(token)
	if payload == "" {
		return ""
	}
	return gjson.Get(payload, ClaimPath+".chatgpt_plan_type").String()
}

// ExpiryMillis reads the exp claim as epoch milliseconds (0 when absent)
func ExpiryMillis(token string) int64 {
	payload := DecodePayload(token)
	if payload == "" {
		return 0
	}
	exp := gjson.Get(payload, "exp").Int()
	if exp <= 0 {
		return 0
	}
	return exp * 1000
}

// ExtractEmail prefers the id-token email, then the access-token claims
func ExtractEmail(accessToken, idToken string) string {
	if idToken != "" {
		if p := DecodePayload(idToken); p != "" {
			if e := sanitizeEmail(gjson.Get(p, "email").String()); e != "" {
				return e
			}
		}
	}
	p := DecodePayload(accessToken)
	if p == "" {
		return ""
	}
	for _, path := range []string{
		ClaimPath + ".email",
		"chatgpt_user_email",
		"email",
		"preferred_username",
	} {
		if e := sanitizeEmail(gjson.Get(p, path).String()); e != "" {
			return e
		}
	}
	return ""
}

func sanitizeEmail(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.Contains(s, "@") {
		return ""
	}
	return s
}
