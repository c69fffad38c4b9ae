package backpack

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const signWindowMs = 5000

// signer 持有 ED25519 密钥对，按 Backpack 规范对请求签名：
// instruction + 按字母序排序的参数 + timestamp/window。
type signer struct {
	pub  string // base64 公钥，作为 X-API-Key
	priv ed25519.PrivateKey
}

func newSigner(publicKey, secretKey string) (*signer, error) {
	seed, err := base64.StdEncoding.DecodeString(secretKey)
	if err != nil {
		return nil, fmt.Errorf("decode secret key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("secret key must be a %d-byte ed25519 seed", ed25519.SeedSize)
	}
	return &signer{
		pub:  publicKey,
		priv: ed25519.NewKeyFromSeed(seed),
	}, nil
}

// sign 返回 (signature, timestamp)。params 的 value 必须已经是字符串形式。
func (s *signer) sign(instruction string, params map[string]string) (string, string) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("instruction=")
	b.WriteString(instruction)
	for _, k := range keys {
		b.WriteString("&")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(params[k])
	}
	b.WriteString("&timestamp=")
	b.WriteString(ts)
	b.WriteString("&window=")
	b.WriteString(strconv.Itoa(signWindowMs))

	sig := ed25519.Sign(s.priv, []byte(b.String()))
	return base64.StdEncoding.EncodeToString(sig), ts
}
