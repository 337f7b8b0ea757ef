package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ISigner 为提交/回滚证据生成签名
type ISigner interface {
	Sign(txID string, payload any) (string, error)
}

// NoopSigner 不签名
type NoopSigner struct{}

func (NoopSigner) Sign(txID string, payload any) (string, error) { return "", nil }

// HMACSigner HMAC-SHA256 签名，payload 先规范化为 JSON 再签
//
// encoding/json 对 map 按键排序，规范化后的编码是确定的，同样的证据总得到同样的签名。
type HMACSigner struct {
	key []byte
}

// NewHMACSigner 创建签名器
func NewHMACSigner(key []byte) *HMACSigner {
	return &HMACSigner{key: append([]byte(nil), key...)}
}

// Sign 计算签名（十六进制）
func (s *HMACSigner) Sign(txID string, payload any) (string, error) {
	normalized, err := Normalize(payload)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(map[string]any{"transaction_id": txID, "payload": normalized})
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify 校验签名
func (s *HMACSigner) Verify(txID string, payload any, signature string) bool {
	expected, err := s.Sign(txID, payload)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
