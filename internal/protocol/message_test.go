package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandEncodeOmitsEmptySession(t *testing.T) {
	b, err := (&Command{ID: 3, Method: "Target.getTargets"}).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":3,"method":"Target.getTargets"}`, string(b))

	b, err = (&Command{ID: 4, Method: "Page.navigate", Params: map[string]string{"url": "about:blank"}, SessionID: "S"}).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":4,"method":"Page.navigate","params":{"url":"about:blank"},"sessionId":"S"}`, string(b))
}

func TestCommandEncodeFailure(t *testing.T) {
	_, err := (&Command{ID: 1, Method: "X.y", Params: map[string]any{"ch": make(chan int)}}).Encode()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "X.y")
}

func TestClassifyResponse(t *testing.T) {
	kind, resp, ev, err := Classify([]byte(`{"id":12,"result":{"targetInfos":[]}}`))
	require.NoError(t, err)
	assert.Equal(t, KindResponse, kind)
	assert.Nil(t, ev)
	assert.EqualValues(t, 12, resp.ID)
	assert.JSONEq(t, `{"targetInfos":[]}`, string(resp.Result))
	assert.Nil(t, resp.Error)
}

func TestClassifyErrorResponse(t *testing.T) {
	kind, resp, _, err := Classify([]byte(`{"id":2,"error":{"code":-32601,"message":"'Foo.bar' wasn't found"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindResponse, kind)
	require.NotNil(t, resp.Error)
	assert.EqualValues(t, -32601, resp.Error.Code)
	assert.Equal(t, "'Foo.bar' wasn't found", resp.Error.Message)
}

func TestClassifyEvent(t *testing.T) {
	kind, _, ev, err := Classify([]byte(`{"method":"Network.requestWillBeSent","params":{"requestId":"R1","frameId":"F"},"sessionId":"S1"}`))
	require.NoError(t, err)
	assert.Equal(t, KindEvent, kind)
	assert.Equal(t, "Network.requestWillBeSent", ev.Method)
	assert.Equal(t, "S1", ev.SessionID)
	assert.Equal(t, "R1", ev.Get("requestId").String())

	var p struct {
		FrameID string `json:"frameId"`
	}
	require.NoError(t, ev.Decode(&p))
	assert.Equal(t, "F", p.FrameID)
}

func TestClassifyMalformed(t *testing.T) {
	for _, frame := range []string{`{"id":`, `{"foo":1}`, `{"id":"abc","result":{}}`, `[]`} {
		kind, _, _, err := Classify([]byte(frame))
		assert.ErrorIs(t, err, ErrMalformedFrame, frame)
		assert.Equal(t, KindInvalid, kind)
	}
}

func TestDecodeBody(t *testing.T) {
	b, err := DecodeBody("aGVsbG8=", true)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	b, err = DecodeBody("plain", false)
	require.NoError(t, err)
	assert.Equal(t, "plain", string(b))
}
