package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// DefaultPath 默认配置文件路径
const DefaultPath = "config.json"

type Endpoint struct {
	Sys      string `json:"sys"`
	SubSys   string `json:"sub_sys"`
	Instance string `json:"instance"`
}

type User struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type Config struct {
	Server struct {
		Host              string `json:"host"`
		Port              int    `json:"port"`
		MaxConnections    int    `json:"max_connections"`
		HeartbeatInterval string `json:"heartbeat_interval"`
		FirstFrameTimeout string `json:"first_frame_timeout"`
	} `json:"server"`
	Client struct {
		Host                 string `json:"host"`
		Port                 int    `json:"port"`
		ConnectTimeout       string `json:"connect_timeout"`
		RequestTimeout       string `json:"request_timeout"`
		HeartbeatInterval    string `json:"heartbeat_interval"`
		ReconnectPolicy      string `json:"reconnect_policy"` // fixed | random
		ReconnectDelay       string `json:"reconnect_delay"`
		ReconnectMinDelay    string `json:"reconnect_min_delay"`
		ReconnectMaxDelay    string `json:"reconnect_max_delay"`
		MaxReconnectAttempts int    `json:"max_reconnect_attempts"`
		Username             string `json:"username"`
		Password             string `json:"password"`

		Subscriptions []string `json:"subscriptions"`
	} `json:"client"`
	Session struct {
		Timeout       string `json:"timeout"`
		SweepInterval string `json:"sweep_interval"`
	} `json:"session"`
	Protocol struct {
		Version    string   `json:"version"`
		Local      Endpoint `json:"local"`
		Remote     Endpoint `json:"remote"`
		TimeServer struct {
			Host     string `json:"host"`
			Protocol string `json:"protocol"`
			Port     int    `json:"port"`
		} `json:"time_server"`
		SupportedObjects []string `json:"supported_objects"`
	} `json:"protocol"`
	Users    []User `json:"users"`
	Database struct {
		Host               string `json:"host"`
		Port               uint64 `json:"port"`
		Username           string `json:"username"`
		Password           string `json:"password"`
		Database           string `json:"database"`
		UseTLS             bool   `json:"use_tls"`
		ConnectTimeout     string `json:"connect_timeout"`
		SocketTimeout      string `json:"socket_timeout"`
		ConnectIdleTimeout string `json:"connect_idle_timeout"`
		OperationTimeout   string `json:"operation_timeout"`
		Heartbeat          string `json:"heartbeat"`
		MinPoolSize        uint64 `json:"min_pool_size"`
		MaxPoolSize        uint64 `json:"max_pool_size"`
	} `json:"database"`
	Nats struct {
		URL     string `json:"url"`
		Subject string `json:"subject"`
	} `json:"nats"`
	Metrics struct {
		Enabled bool `json:"enabled"`
		Port    int  `json:"port"`
	} `json:"metrics"`
	DebugMode bool   `json:"debug_mode"`
	AppName   string `json:"app_name"`
	LogPath   string `json:"log_path"`
}

var config = Default()
var initialized = false

// Default 返回带有协议默认值的配置
func Default() Config {
	var cfg Config
	cfg.AppName = "gat1049"
	cfg.LogPath = "logs"

	cfg.Server.Port = 9999
	cfg.Server.MaxConnections = 10000
	cfg.Server.HeartbeatInterval = "60s"
	cfg.Server.FirstFrameTimeout = "1m"

	cfg.Client.Host = "127.0.0.1"
	cfg.Client.Port = 9999
	cfg.Client.ConnectTimeout = "10s"
	cfg.Client.RequestTimeout = "30s"
	cfg.Client.HeartbeatInterval = "60s"
	cfg.Client.ReconnectPolicy = "fixed"
	cfg.Client.ReconnectDelay = "5s"
	cfg.Client.ReconnectMinDelay = "1s"
	cfg.Client.ReconnectMaxDelay = "60s"
	cfg.Client.MaxReconnectAttempts = 10

	cfg.Session.Timeout = "30m"
	cfg.Session.SweepInterval = "5m"

	cfg.Protocol.Version = "1.0"
	cfg.Protocol.Local = Endpoint{Sys: "UTCS"}
	cfg.Protocol.Remote = Endpoint{Sys: "TICP"}
	cfg.Protocol.SupportedObjects = []string{
		"SysState", "CrossState", "SignalControllerError", "CrossCtrlInfo",
		"CrossCycle", "CrossStage", "CrossSignalGroupStatus", "CrossTrafficData",
		"StageTrafficData", "VarLaneStatus", "RouteCtrlInfo", "RouteSpeed",
	}

	cfg.Database.Port = 27017
	cfg.Database.OperationTimeout = "5s"
	cfg.Database.ConnectTimeout = "10s"
	cfg.Database.SocketTimeout = "30s"
	cfg.Database.ConnectIdleTimeout = "5m"
	cfg.Database.Heartbeat = "10s"
	cfg.Database.MaxPoolSize = 16

	cfg.Nats.Subject = "gat1049.publish.>"
	cfg.Metrics.Port = 9100
	return cfg
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Client.Port <= 0 || c.Client.Port > 65535 {
		return fmt.Errorf("invalid client port %d", c.Client.Port)
	}
	if c.Protocol.Local.Sys == "" {
		return errors.New("protocol.local.sys must not be empty")
	}
	switch c.Client.ReconnectPolicy {
	case "fixed", "random":
	default:
		return fmt.Errorf("unknown reconnect policy %q", c.Client.ReconnectPolicy)
	}
	return nil
}

// ReadConfig 读取配置文件, 文件不存在时以默认值创建
func ReadConfig(path string) (Config, error) {
	bytes, err := os.ReadFile(path)

	if err != nil {
		defaults := Default()
		data, _ := json.MarshalIndent(defaults, "", "\t")
		_ = os.WriteFile(path, data, 0644)
		return defaults, errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	}

	cfg := Default()
	if err = json.Unmarshal(bytes, &cfg); err != nil {
		return cfg, errors.New("the configuration file does not contain valid JSON")
	}
	if err = cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	config = cfg
	initialized = true
	return config, nil
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig(DefaultPath)
}
