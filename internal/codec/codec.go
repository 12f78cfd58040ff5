// Package codec 负责报文与 XML 文本之间的转换以及字节流分帧
package codec

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/message"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/sequence"
	"golang.org/x/net/html/charset"
)

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

var (
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
	ErrMalformed       = errors.New("malformed message")
)

// EncodeError 报文编码失败
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode message: %v", e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// DecodeError 报文解码失败. Partial 在 XML 结构可读但校验失败时非空,
// 用于对错误的 REQUEST 仍能回复 ERROR
type DecodeError struct {
	Code    message.ErrorCode
	Partial *message.Message
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message (%s): %v", e.Code, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ProtocolError 转换为可回复给对端的协议错误
func (e *DecodeError) ProtocolError() *message.Error {
	var protoErr *message.Error
	if errors.As(e.Err, &protoErr) {
		return protoErr
	}
	return message.NewError(e.Code, "Message", "%v", e.Err)
}

type envelope struct {
	XMLName xml.Name `xml:"Message"`
	message.Message
}

// Codec 无状态编解码器, 仅持有用于填充序号的生成器
type Codec struct {
	seq     *sequence.Generator
	maxSize int
}

func New(seq *sequence.Generator) *Codec {
	if seq == nil {
		seq = sequence.NewGenerator()
	}
	return &Codec{seq: seq, maxSize: message.MaxMessageSize}
}

// Stamp 为没有序号的报文生成新序号
func (c *Codec) Stamp(msg *message.Message) {
	if msg.Seq == "" {
		msg.Seq = c.seq.Next()
	}
}

// NextSeq 直接获取一个新序号
func (c *Codec) NextSeq() string {
	return c.seq.Next()
}

func (c *Codec) Encode(msg *message.Message) ([]byte, error) {
	if protoErr := msg.Validate(); protoErr != nil {
		return nil, &EncodeError{Err: protoErr}
	}
	body, err := xml.Marshal(msg)
	if err != nil {
		return nil, &EncodeError{Err: err}
	}
	out := make([]byte, 0, len(xmlHeader)+len(body))
	out = append(out, xmlHeader...)
	out = append(out, body...)
	if n := utf8.RuneCount(out); n > c.maxSize {
		return nil, &EncodeError{Err: fmt.Errorf("%w: %d characters, limit %d", ErrMessageTooLarge, n, c.maxSize)}
	}
	return out, nil
}

func (c *Codec) Decode(data []byte) (*message.Message, error) {
	if n := utf8.RuneCount(data); n > c.maxSize {
		return nil, &DecodeError{
			Code: message.SDEUnknown,
			Err:  fmt.Errorf("%w: %d characters, limit %d", ErrMessageTooLarge, n, c.maxSize),
		}
	}

	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.CharsetReader = charset.NewReaderLabel

	var env envelope
	if err := decoder.Decode(&env); err != nil {
		return nil, &DecodeError{Code: message.SDEUnknown, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}

	msg := env.Message
	if protoErr := msg.Validate(); protoErr != nil {
		return nil, &DecodeError{Code: protoErr.Code, Partial: &msg, Err: protoErr}
	}
	return &msg, nil
}
