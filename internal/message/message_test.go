package message

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ticp = Address{Sys: TICP}
	utcs = Address{Sys: UTCS, SubSys: "Region01", Instance: "1"}
)

func validMessage() *Message {
	msg := NewRequest("1.0", ticp, utcs, "", NewOperation(1, Login, MustDataObject(SDOUser{UserName: "admin", Pwd: "admin123"})))
	msg.Seq = "20240101120000000001"
	return msg
}

func TestValidate(t *testing.T) {
	require.Nil(t, validMessage().Validate())

	tests := []struct {
		name   string
		mutate func(m *Message)
		code   ErrorCode
	}{
		{"bad version", func(m *Message) { m.Version = "10" }, SDEVersion},
		{"bad type", func(m *Message) { m.Type = "QUERY" }, SDEMsgType},
		{"empty seq", func(m *Message) { m.Seq = "" }, SDEUnknown},
		{"long seq", func(m *Message) { m.Seq = "202401011200000000011" }, SDEUnknown},
		{"bad from", func(m *Message) { m.From.Sys = "XYZ" }, SDEAddress},
		{"bad to", func(m *Message) { m.To = Address{} }, SDEAddress},
		{"empty body", func(m *Message) { m.Body = nil }, SDEOperName},
		{"unknown operation", func(m *Message) { m.Body[0].Name = "Delete" }, SDEOperName},
		{"zero order", func(m *Message) { m.Body[0].Order = 0 }, SDEOperName},
		{"duplicate order", func(m *Message) {
			m.Body = append(m.Body, NewOperation(1, Get))
		}, SDEOperName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := validMessage()
			tt.mutate(msg)
			e := msg.Validate()
			require.NotNil(t, e)
			assert.Equal(t, tt.code, e.Code)
		})
	}
}

func TestDataObjectDecode(t *testing.T) {
	obj, err := NewDataObject(SDOMsgEntity{MsgType: PUSH, OperName: Notify, ObjName: "CrossState"})
	require.NoError(t, err)
	assert.Equal(t, ObjMsgEntity, obj.Name())

	var entity SDOMsgEntity
	require.NoError(t, obj.Decode(&entity))
	assert.Equal(t, PUSH, entity.MsgType)
	assert.Equal(t, Notify, entity.OperName)
	assert.Equal(t, "CrossState", entity.ObjName)

	var user SDOUser
	require.Error(t, obj.Decode(&user))
}

func TestNewResponseSwapsAddresses(t *testing.T) {
	req := validMessage()
	req.Token = "token-1"
	resp := NewResponse(req, NewOperation(1, Login))

	assert.Equal(t, RESPONSE, resp.Type)
	assert.Equal(t, req.Seq, resp.Seq)
	assert.Equal(t, utcs, resp.From)
	assert.Equal(t, ticp, resp.To)
	assert.Equal(t, "token-1", resp.Token)
}

func TestErrorMessageRoundTrip(t *testing.T) {
	req := validMessage()
	resp := NewErrorMessage(req, NewError(SDEPwd, ObjUser, "wrong password"))

	assert.Equal(t, ERROR, resp.Type)
	assert.Equal(t, Login, resp.Body[0].Name)
	require.Nil(t, resp.Validate())

	detail, ok := resp.ErrorDetail()
	require.True(t, ok)
	assert.Equal(t, SDEPwd, detail.Code)
	assert.Equal(t, ObjUser, detail.Object)
	assert.Equal(t, "wrong password", detail.Desc)

	_, ok = req.ErrorDetail()
	assert.False(t, ok)
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))

	protoErr := NewError(SDEToken, "", "expired")
	assert.Same(t, protoErr, AsError(protoErr))

	cause := errors.New("database down")
	converted := AsError(cause)
	assert.Equal(t, SDEFailure, converted.Code)
	assert.ErrorIs(t, converted, cause)
}

func TestIsHeartbeat(t *testing.T) {
	hb := NewHeartbeat("1.0", ticp, utcs, "token")
	assert.True(t, hb.IsHeartbeat())

	hb.Type = REQUEST
	assert.False(t, hb.IsHeartbeat())
	assert.False(t, validMessage().IsHeartbeat())
}

func TestEnumerations(t *testing.T) {
	for _, name := range []OperationName{Login, Logout, Subscribe, Unsubscribe, Get, Set, Notify, Other} {
		assert.True(t, name.Valid(), name)
	}
	assert.False(t, OperationName("login").Valid())
	assert.True(t, RESPONSE.IsReply())
	assert.True(t, ERROR.IsReply())
	assert.False(t, PUSH.IsReply())
	assert.True(t, IsSystemObject(ObjTimeServer))
	assert.False(t, IsSystemObject("CrossState"))
}
