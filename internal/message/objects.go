package message

import "encoding/xml"

// 系统预定义数据对象名称
const (
	ObjUser       = "SDO_User"
	ObjHeartBeat  = "SDO_HeartBeat"
	ObjMsgEntity  = "SDO_MsgEntity"
	ObjTimeOut    = "SDO_TimeOut"
	ObjError      = "SDO_Error"
	ObjTimeServer = "SDO_TimeServer"
)

// WildcardObject 订阅通配符, 匹配任意对象名
const WildcardObject = "*"

func IsSystemObject(name string) bool {
	switch name {
	case ObjUser, ObjHeartBeat, ObjMsgEntity, ObjTimeOut, ObjError, ObjTimeServer:
		return true
	}
	return false
}

// SDOUser 登录/登出用户凭据
type SDOUser struct {
	XMLName  xml.Name `xml:"SDO_User"`
	UserName string   `xml:"UserName"`
	Pwd      string   `xml:"Pwd"`
}

type SDOHeartBeat struct {
	XMLName xml.Name `xml:"SDO_HeartBeat"`
}

// SDOMsgEntity 订阅描述 (报文类型, 操作名, 对象名)
type SDOMsgEntity struct {
	XMLName  xml.Name      `xml:"SDO_MsgEntity"`
	MsgType  MessageType   `xml:"MsgType"`
	OperName OperationName `xml:"OperName"`
	ObjName  string        `xml:"ObjName"`
}

// SDOTimeOut 通信超时时间, 单位秒
type SDOTimeOut struct {
	XMLName xml.Name `xml:"SDO_TimeOut"`
	Time    int      `xml:"Time"`
}

type SDOError struct {
	XMLName xml.Name  `xml:"SDO_Error"`
	ErrObj  string    `xml:"ErrObj"`
	ErrType ErrorCode `xml:"ErrType"`
	ErrDesc string    `xml:"ErrDesc"`
}

// SDOTimeServer 对时服务器
type SDOTimeServer struct {
	XMLName  xml.Name `xml:"SDO_TimeServer"`
	Host     string   `xml:"Host"`
	Protocol string   `xml:"Protocol"`
	Port     int      `xml:"Port"`
}
