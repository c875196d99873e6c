package protocol

import "encoding/base64"

// DecodeBody 解码 getResponseBody 返回的响应体
func DecodeBody(body string, base64Encoded bool) ([]byte, error) {
	if !base64Encoded {
		return []byte(body), nil
	}
	return base64.StdEncoding.DecodeString(body)
}
