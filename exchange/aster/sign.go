package aster

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

const recvWindowMs = 5000

// signQuery 为签名接口构造查询串：追加 timestamp/recvWindow 后
// 对整个 query 做 HMAC-SHA256。
func signQuery(params url.Values, secret string) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(recvWindowMs))
	query := params.Encode()

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	sig := hex.EncodeToString(mac.Sum(nil))
	return query + "&signature=" + sig
}
