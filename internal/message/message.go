package message

import (
	"encoding/xml"
	"fmt"
	"regexp"
)

var versionPattern = regexp.MustCompile(`^\d\.\d$`)

// Address 通信地址, 按结构比较
type Address struct {
	Sys      SystemType `xml:"Sys"`
	SubSys   string     `xml:"SubSys"`
	Instance string     `xml:"Instance"`
}

func (a Address) String() string {
	return fmt.Sprintf("%s/%s/%s", a.Sys, a.SubSys, a.Instance)
}

// DataObject 操作中携带的数据对象: 元素名作为类型标识, 内容原样保留,
// 由业务层根据类型名自行解码
type DataObject struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Content string     `xml:",innerxml"`
}

// NewDataObject 将任意可 XML 序列化的值封装为数据对象
func NewDataObject(v interface{}) (DataObject, error) {
	var obj DataObject
	data, err := xml.Marshal(v)
	if err != nil {
		return obj, fmt.Errorf("marshal data object: %w", err)
	}
	if err = xml.Unmarshal(data, &obj); err != nil {
		return obj, fmt.Errorf("wrap data object: %w", err)
	}
	return obj, nil
}

// MustDataObject 仅用于系统预定义对象等确定可序列化的值
func MustDataObject(v interface{}) DataObject {
	obj, err := NewDataObject(v)
	if err != nil {
		panic(err)
	}
	return obj
}

func (d DataObject) Name() string {
	return d.XMLName.Local
}

// Decode 将数据对象解码到业务结构
func (d DataObject) Decode(v interface{}) error {
	data, err := xml.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", d.Name(), err)
	}
	if err = xml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", d.Name(), err)
	}
	return nil
}

// Operation 报文体中的一个操作
type Operation struct {
	Order int           `xml:"order,attr"`
	Name  OperationName `xml:"name,attr"`
	Data  []DataObject  `xml:",any"`
}

func NewOperation(order int, name OperationName, data ...DataObject) Operation {
	return Operation{Order: order, Name: name, Data: data}
}

// Object 返回第一个名称匹配的数据对象
func (o Operation) Object(name string) (DataObject, bool) {
	for _, d := range o.Data {
		if d.Name() == name {
			return d, true
		}
	}
	return DataObject{}, false
}

// Message 协议报文
type Message struct {
	Version string      `xml:"Version"`
	Token   string      `xml:"Token"`
	From    Address     `xml:"From"`
	To      Address     `xml:"To"`
	Type    MessageType `xml:"Type"`
	Seq     string      `xml:"Seq"`
	Body    []Operation `xml:"Body>Operation"`
}

// FirstOperation 报文体为空时返回 nil
func (m *Message) FirstOperation() *Operation {
	if len(m.Body) == 0 {
		return nil
	}
	return &m.Body[0]
}

// HasOperation 报文中任一操作名称匹配
func (m *Message) HasOperation(name OperationName) bool {
	for _, op := range m.Body {
		if op.Name == name {
			return true
		}
	}
	return false
}

// Validate 检查报文结构, 返回对应的协议错误
func (m *Message) Validate() *Error {
	if !versionPattern.MatchString(m.Version) {
		return NewError(SDEVersion, "Version", "invalid version %q", m.Version)
	}
	if !m.Type.Valid() {
		return NewError(SDEMsgType, "Type", "invalid message type %q", m.Type)
	}
	if m.Seq == "" || len(m.Seq) > MaxSeqLength {
		return NewError(SDEUnknown, "Seq", "seq must be 1-%d characters, got %q", MaxSeqLength, m.Seq)
	}
	if !m.From.Sys.Valid() {
		return NewError(SDEAddress, "From", "invalid system type %q", m.From.Sys)
	}
	if !m.To.Sys.Valid() {
		return NewError(SDEAddress, "To", "invalid system type %q", m.To.Sys)
	}
	if len(m.Body) == 0 {
		return NewError(SDEOperName, "Body", "message body contains no operation")
	}
	last := 0
	for _, op := range m.Body {
		if op.Order <= last {
			return NewError(SDEOperName, "Operation", "operation order %d must be ascending and start from 1", op.Order)
		}
		last = op.Order
		if !op.Name.Valid() {
			return NewError(SDEOperName, "Operation", "unknown operation name %q", op.Name)
		}
	}
	return nil
}

// NewRequest 构造请求报文, seq 为空时由编码器填充
func NewRequest(version string, from, to Address, token string, ops ...Operation) *Message {
	return &Message{Version: version, Token: token, From: from, To: to, Type: REQUEST, Body: ops}
}

// NewResponse 以请求的 Seq 应答, 地址对调
func NewResponse(req *Message, ops ...Operation) *Message {
	return &Message{
		Version: req.Version,
		Token:   req.Token,
		From:    req.To,
		To:      req.From,
		Type:    RESPONSE,
		Seq:     req.Seq,
		Body:    ops,
	}
}

// NewErrorMessage 构造 ERROR 应答, 操作名沿用请求中的第一个操作
func NewErrorMessage(req *Message, e *Error) *Message {
	name := Other
	order := 1
	if op := req.FirstOperation(); op != nil && op.Name.Valid() {
		name = op.Name
		if op.Order > 0 {
			order = op.Order
		}
	}
	version := req.Version
	if !versionPattern.MatchString(version) {
		version = DefaultVersion
	}
	return &Message{
		Version: version,
		Token:   req.Token,
		From:    req.To,
		To:      req.From,
		Type:    ERROR,
		Seq:     req.Seq,
		Body:    []Operation{NewOperation(order, name, MustDataObject(e.SDO()))},
	}
}

// NewHeartbeat 心跳为 PUSH/Notify 携带 SDO_HeartBeat
func NewHeartbeat(version string, from, to Address, token string) *Message {
	return &Message{
		Version: version,
		Token:   token,
		From:    from,
		To:      to,
		Type:    PUSH,
		Body:    []Operation{NewOperation(1, Notify, MustDataObject(SDOHeartBeat{}))},
	}
}

// IsHeartbeat PUSH/Notify 且只携带 SDO_HeartBeat
func (m *Message) IsHeartbeat() bool {
	if m.Type != PUSH || len(m.Body) != 1 {
		return false
	}
	op := m.Body[0]
	if op.Name != Notify || len(op.Data) != 1 {
		return false
	}
	return op.Data[0].Name() == ObjHeartBeat
}

// ErrorDetail 从 ERROR 报文中取出错误描述
func (m *Message) ErrorDetail() (*Error, bool) {
	if m.Type != ERROR {
		return nil, false
	}
	for _, op := range m.Body {
		if obj, ok := op.Object(ObjError); ok {
			var sdo SDOError
			if err := obj.Decode(&sdo); err != nil {
				return NewError(SDEUnknown, "", "undecodable error object: %v", err), true
			}
			return &Error{Object: sdo.ErrObj, Code: sdo.ErrType, Desc: sdo.ErrDesc}, true
		}
	}
	return NewError(SDEUnknown, "", "error message without SDO_Error"), true
}
