package codec

import (
	"encoding/xml"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/message"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/sequence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type crossState struct {
	XMLName xml.Name `xml:"CrossState"`
	CrossID string   `xml:"CrossID"`
	Value   string   `xml:"Value"`
}

func newCodec() *Codec {
	return New(sequence.NewGeneratorWithClock(func() time.Time {
		return time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)
	}))
}

func sampleMessage() *message.Message {
	msg := message.NewRequest("1.0",
		message.Address{Sys: message.TICP},
		message.Address{Sys: message.UTCS, SubSys: "Region01", Instance: "7"},
		"token-abc",
		message.NewOperation(1, message.Subscribe, message.MustDataObject(message.SDOMsgEntity{
			MsgType: message.PUSH, OperName: message.Notify, ObjName: "CrossState",
		})),
		message.NewOperation(2, message.Get,
			message.MustDataObject(message.SDOTimeOut{Time: 30}),
			message.MustDataObject(crossState{CrossID: "11010000100", Value: "1"}),
		),
	)
	msg.Seq = "20240102030405000042"
	return msg
}

func TestRoundTrip(t *testing.T) {
	c := newCodec()
	original := sampleMessage()

	data, err := c.Encode(original)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), `<?xml version="1.0" encoding="UTF-8"?>`))
	assert.True(t, strings.HasSuffix(string(data), Delimiter))

	decoded, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)

	var state crossState
	obj, ok := decoded.Body[1].Object("CrossState")
	require.True(t, ok)
	require.NoError(t, obj.Decode(&state))
	assert.Equal(t, "11010000100", state.CrossID)
}

func TestEscaping(t *testing.T) {
	c := newCodec()
	msg := sampleMessage()
	msg.Token = `a&b<c>"d'e`
	msg.To.Instance = `<&>`

	data, err := c.Encode(msg)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "a&amp;b&lt;c&gt;&#34;d&#39;e")
	assert.Contains(t, text, "&lt;&amp;&gt;")

	decoded, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, `a&b<c>"d'e`, decoded.Token)
	assert.Equal(t, `<&>`, decoded.To.Instance)
}

func TestEncodeRejectsOversize(t *testing.T) {
	c := newCodec()
	msg := sampleMessage()
	msg.Body[1].Data = append(msg.Body[1].Data, message.MustDataObject(crossState{
		CrossID: "big",
		Value:   strings.Repeat("x", message.MaxMessageSize),
	}))

	data, err := c.Encode(msg)
	require.Error(t, err)
	assert.Nil(t, data)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	var encErr *EncodeError
	assert.True(t, errors.As(err, &encErr))
}

func TestEncodeRejectsInvalid(t *testing.T) {
	c := newCodec()
	msg := sampleMessage()
	msg.Body[0].Name = "Delete"

	_, err := c.Encode(msg)
	var protoErr *message.Error
	require.True(t, errors.As(err, &protoErr))
	assert.Equal(t, message.SDEOperName, protoErr.Code)
}

func TestDecodeErrors(t *testing.T) {
	c := newCodec()

	_, err := c.Decode([]byte("<Message><Version>1.0</Version>"))
	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Nil(t, decErr.Partial)

	_, err = c.Decode([]byte("<Envelope></Envelope>"))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = c.Decode([]byte(strings.Repeat(" ", message.MaxMessageSize+1)))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestDecodeKeepsPartialEnvelope(t *testing.T) {
	c := newCodec()
	msg := sampleMessage()
	data, err := c.Encode(msg)
	require.NoError(t, err)

	broken := strings.Replace(string(data), `name="Get"`, `name="Delete"`, 1)
	_, err = c.Decode([]byte(broken))
	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, message.SDEOperName, decErr.Code)
	require.NotNil(t, decErr.Partial)
	assert.Equal(t, msg.Seq, decErr.Partial.Seq)
	assert.Equal(t, message.REQUEST, decErr.Partial.Type)
	assert.Equal(t, message.SDEOperName, decErr.ProtocolError().Code)
}

func TestDecodeDeclaredCharset(t *testing.T) {
	c := newCodec()
	data, err := c.Encode(sampleMessage())
	require.NoError(t, err)

	gbk := strings.Replace(string(data), `encoding="UTF-8"`, `encoding="GBK"`, 1)
	decoded, err := c.Decode([]byte(gbk))
	require.NoError(t, err)
	assert.Equal(t, "token-abc", decoded.Token)
}

func TestStamp(t *testing.T) {
	c := newCodec()
	msg := sampleMessage()
	msg.Seq = ""
	c.Stamp(msg)
	assert.Equal(t, "20240102030405000001", msg.Seq)

	c.Stamp(msg)
	assert.Equal(t, "20240102030405000001", msg.Seq)
	assert.Equal(t, "20240102030405000002", c.NextSeq())
}
