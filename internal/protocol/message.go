package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Command 发往浏览器的命令帧
type Command struct {
	ID        uint64 `json:"id"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Encode 序列化为文本帧
func (c *Command) Encode() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.Method, err)
	}
	return b, nil
}

// Error 响应中的错误对象
type Error struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Response 携带 id 的响应帧
type Response struct {
	ID     uint64
	Result json.RawMessage
	Error  *Error
}

// Event 无 id、携带 method 的事件帧
type Event struct {
	Method    string
	Params    json.RawMessage
	SessionID string
}

// Get 按 gjson 路径读取事件参数
func (e Event) Get(path string) gjson.Result {
	return gjson.GetBytes(e.Params, path)
}

// Decode 解析参数到结构体
func (e Event) Decode(v any) error {
	if len(e.Params) == 0 {
		return nil
	}
	return json.Unmarshal(e.Params, v)
}

// Kind 入站帧类型
type Kind int

const (
	KindInvalid Kind = iota
	KindResponse
	KindEvent
)

var ErrMalformedFrame = errors.New("malformed frame")

// Classify 判断入站帧是响应还是事件；仅凭 id 是否存在与 method 区分
func Classify(frame []byte) (Kind, *Response, *Event, error) {
	if !gjson.ValidBytes(frame) {
		return KindInvalid, nil, nil, fmt.Errorf("%w: invalid json", ErrMalformedFrame)
	}
	fields := gjson.GetManyBytes(frame, "id", "method", "params", "result", "error", "sessionId")
	id, method, params, result, perr, session := fields[0], fields[1], fields[2], fields[3], fields[4], fields[5]

	if id.Exists() {
		if id.Type != gjson.Number {
			return KindInvalid, nil, nil, fmt.Errorf("%w: non-numeric id %s", ErrMalformedFrame, id.Raw)
		}
		resp := &Response{ID: id.Uint()}
		if perr.Exists() {
			resp.Error = &Error{
				Code:    perr.Get("code").Int(),
				Message: perr.Get("message").String(),
				Data:    perr.Get("data").String(),
			}
		} else if result.Exists() {
			resp.Result = json.RawMessage(result.Raw)
		}
		return KindResponse, resp, nil, nil
	}

	if method.Exists() && method.String() != "" {
		ev := &Event{Method: method.String(), SessionID: session.String()}
		if params.Exists() {
			ev.Params = json.RawMessage(params.Raw)
		}
		return KindEvent, nil, ev, nil
	}
	return KindInvalid, nil, nil, fmt.Errorf("%w: neither response nor event", ErrMalformedFrame)
}
