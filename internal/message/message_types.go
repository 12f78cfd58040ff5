// Package message 定义了 GA/T 1049 通信协议的报文模型
package message

// MessageType 报文类型
type MessageType string

const (
	REQUEST  MessageType = "REQUEST"  // 请求, 必须应答
	RESPONSE MessageType = "RESPONSE" // 应答
	PUSH     MessageType = "PUSH"     // 主动推送, 无需应答
	ERROR    MessageType = "ERROR"    // 出错应答
)

func (t MessageType) Valid() bool {
	switch t {
	case REQUEST, RESPONSE, PUSH, ERROR:
		return true
	}
	return false
}

// IsReply 应答类报文 (RESPONSE/ERROR) 用于请求关联
func (t MessageType) IsReply() bool {
	return t == RESPONSE || t == ERROR
}

// OperationName 操作名称, 封闭集合
type OperationName string

const (
	Login       OperationName = "Login"
	Logout      OperationName = "Logout"
	Subscribe   OperationName = "Subscribe"
	Unsubscribe OperationName = "Unsubscribe"
	Get         OperationName = "Get"
	Set         OperationName = "Set"
	Notify      OperationName = "Notify"
	Other       OperationName = "Other"
)

func (n OperationName) Valid() bool {
	switch n {
	case Login, Logout, Subscribe, Unsubscribe, Get, Set, Notify, Other:
		return true
	}
	return false
}

// SystemType 系统类型编码
type SystemType string

const (
	TICP SystemType = "TICP" // 交通集成指挥平台
	UTCS SystemType = "UTCS" // 交通信号控制系统
	TSC  SystemType = "TSC"  // 信号机
	TMS  SystemType = "TMS"  // 交通管理子系统
)

func (s SystemType) Valid() bool {
	switch s {
	case TICP, UTCS, TSC, TMS:
		return true
	}
	return false
}

const (
	// MaxMessageSize 单个报文序列化后的最大字符数
	MaxMessageSize = 100000
	// MaxSeqLength 报文序号最大长度
	MaxSeqLength = 20
	// DefaultVersion 默认协议版本
	DefaultVersion = "1.0"
)
