package config

import (
	"encoding/json"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-ini/ini"
	"github.com/pkg/errors"
	"github.com/gomesh/gomesh/engine/gmlog"
)

const (
	_DEFAULT_CONFIG_FILE = "gomesh.ini"
	_DEFAULT_LISTEN_IP   = "0.0.0.0"
	_DEFAULT_LOG_LEVEL   = "debug"
)

var (
	configFilePath = _DEFAULT_CONFIG_FILE
	goMeshConfig   *GoMeshConfig
	configLock     sync.Mutex
)

// GoMeshConfig defines the total gomesh config file structure
type GoMeshConfig struct {
	App     AppConfig
	Agent   AgentConfig
	Logic   LogicConfig
	Monitor MonitorConfig
	Chat    ChatConfig
	KVDB    KVDBConfig
	Storage StorageConfig
}

// AppConfig defines fields of the [gomesh] section shared by all services
type AppConfig struct {
	Name     string // application name, prefixes every cache key
	Password string // shared secret for peer authentication
	Zone     string
}

// ServiceConfig defines fields common to every service section
type ServiceConfig struct {
	ListenIp  string
	Port      int // 0 means OS-assigned, the chosen port is published in the service record
	LogFile   string
	LogStderr bool
	LogLevel  string
	HTTPIp    string
	HTTPPort  int
}

// AgentConfig defines fields of agent config
type AgentConfig struct {
	ServiceConfig
	ClientListenIp string
	ClientPortBase int // client port = base + service index
	PingInterval   time.Duration
	RateLimit      int // client requests per second
	MaxRoles       int
	NickWidthMin   int
	NickWidthMax   int
	UserCacheTTL   time.Duration // TTL of user snapshots in the shared cache
	RelayConfFile  string
}

// LogicConfig defines fields of logic config
type LogicConfig struct {
	ServiceConfig
	SaveInterval       time.Duration
	RoleCacheTTL       time.Duration // TTL of role snapshots in the shared cache
	DisconnectToLogout time.Duration // grace period before a disconnected role is logged out
	ClockOffset        time.Duration // initial virtual clock offset
}

// MonitorConfig defines fields of monitor config
type MonitorConfig struct {
	ServiceConfig
	SaveInterval time.Duration
	RoleCacheTTL time.Duration // TTL of role snapshots in the shared cache
}

// ChatConfig defines fields of chat config
type ChatConfig struct {
	ServiceConfig
	SaveInterval  time.Duration
	ThreadIdleTTL time.Duration
	MaxMessages   int
}

// KVDBConfig defines fields of the shared cache config (redis)
type KVDBConfig struct {
	Url string
	DB  string
}

// StorageConfig defines fields of durable storage config (sql)
type StorageConfig struct {
	Driver string
	Url    string
}

// SetConfigFile sets the config file path (gomesh.ini by default)
func SetConfigFile(f string) {
	configFilePath = f
}

// GetConfigDir returns the directory of gomesh.ini
func GetConfigDir() string {
	dir, _ := path.Split(configFilePath)
	return dir
}

// GetConfigFilePath returns the config file path
func GetConfigFilePath() string {
	return configFilePath
}

// Get returns the total gomesh config
func Get() *GoMeshConfig {
	configLock.Lock()
	defer configLock.Unlock() // protect concurrent access from services
	if goMeshConfig == nil {
		goMeshConfig = readGoMeshConfig()
	}
	return goMeshConfig
}

// Reload forces gomesh to reload the whole config
func Reload() *GoMeshConfig {
	configLock.Lock()
	goMeshConfig = nil
	configLock.Unlock()

	return Get()
}

// GetApp returns the shared application config
func GetApp() *AppConfig {
	return &Get().App
}

// GetAgent returns the agent config
func GetAgent() *AgentConfig {
	return &Get().Agent
}

// GetLogic returns the logic config
func GetLogic() *LogicConfig {
	return &Get().Logic
}

// GetMonitor returns the monitor config
func GetMonitor() *MonitorConfig {
	return &Get().Monitor
}

// GetChat returns the chat config
func GetChat() *ChatConfig {
	return &Get().Chat
}

// GetKVDB returns the KVDB config
func GetKVDB() *KVDBConfig {
	return &Get().KVDB
}

// GetStorage returns the storage config
func GetStorage() *StorageConfig {
	return &Get().Storage
}

// DumpPretty format config to string in pretty format
func DumpPretty(cfg interface{}) string {
	s, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return err.Error()
	}
	return string(s)
}

func readGoMeshConfig() *GoMeshConfig {
	config := GoMeshConfig{}
	gmlog.Infof("Using config file: %s", configFilePath)
	iniFile, err := ini.Load(configFilePath)
	checkConfigError(err, "")

	setServiceDefaults(&config.Agent.ServiceConfig, "agent.log")
	config.Agent.ClientListenIp = _DEFAULT_LISTEN_IP
	config.Agent.ClientPortBase = 15000
	config.Agent.PingInterval = time.Second * 30
	config.Agent.RateLimit = 30
	config.Agent.MaxRoles = 8
	config.Agent.NickWidthMin = 4
	config.Agent.NickWidthMax = 16
	config.Agent.UserCacheTTL = time.Minute * 15
	config.Agent.RelayConfFile = "relay.ini"

	setServiceDefaults(&config.Logic.ServiceConfig, "logic.log")
	config.Logic.SaveInterval = time.Second * 3
	config.Logic.RoleCacheTTL = time.Hour
	config.Logic.DisconnectToLogout = time.Minute * 5

	setServiceDefaults(&config.Monitor.ServiceConfig, "monitor.log")
	config.Monitor.SaveInterval = time.Second * 11
	config.Monitor.RoleCacheTTL = time.Minute * 15

	setServiceDefaults(&config.Chat.ServiceConfig, "chat.log")
	config.Chat.SaveInterval = time.Second * 11
	config.Chat.ThreadIdleTTL = time.Minute * 30
	config.Chat.MaxMessages = 1000

	for _, sec := range iniFile.Sections() {
		secName := strings.ToLower(sec.Name())
		switch secName {
		case "default":
			continue
		case "gomesh":
			readAppConfig(sec, &config.App)
		case "agent":
			readAgentConfig(sec, &config.Agent)
		case "logic":
			readLogicConfig(sec, &config.Logic)
		case "monitor":
			readMonitorConfig(sec, &config.Monitor)
		case "chat":
			readChatConfig(sec, &config.Chat)
		case "kvdb":
			readKVDBConfig(sec, &config.KVDB)
		case "storage":
			readStorageConfig(sec, &config.Storage)
		default:
			gmlog.Errorf("unknown section: %s", secName)
		}
	}

	validateConfig(&config)
	return &config
}

func setServiceDefaults(sc *ServiceConfig, logFile string) {
	sc.ListenIp = _DEFAULT_LISTEN_IP
	sc.Port = 0
	sc.LogFile = logFile
	sc.LogStderr = true
	sc.LogLevel = _DEFAULT_LOG_LEVEL
	sc.HTTPIp = "127.0.0.1"
	sc.HTTPPort = 0 // pprof not enabled by default
}

func readAppConfig(sec *ini.Section, ac *AppConfig) {
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "application_name" {
			ac.Name = key.MustString(ac.Name)
		} else if name == "application_password" {
			ac.Password = key.MustString(ac.Password)
		} else if name == "zone" {
			ac.Zone = key.MustString(ac.Zone)
		} else {
			gmlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
}

func readServiceKey(key *ini.Key, sc *ServiceConfig) bool {
	name := strings.ToLower(key.Name())
	if name == "listen_ip" {
		sc.ListenIp = key.MustString(sc.ListenIp)
	} else if name == "port" {
		sc.Port = key.MustInt(sc.Port)
	} else if name == "log_file" {
		sc.LogFile = key.MustString(sc.LogFile)
	} else if name == "log_stderr" {
		sc.LogStderr = key.MustBool(sc.LogStderr)
	} else if name == "log_level" {
		sc.LogLevel = key.MustString(sc.LogLevel)
	} else if name == "http_ip" {
		sc.HTTPIp = key.MustString(sc.HTTPIp)
	} else if name == "http_port" {
		sc.HTTPPort = key.MustInt(sc.HTTPPort)
	} else {
		return false
	}
	return true
}

func readAgentConfig(sec *ini.Section, ac *AgentConfig) {
	for _, key := range sec.Keys() {
		if readServiceKey(key, &ac.ServiceConfig) {
			continue
		}
		name := strings.ToLower(key.Name())
		if name == "client_listen_ip" {
			ac.ClientListenIp = key.MustString(ac.ClientListenIp)
		} else if name == "client_port_base" {
			ac.ClientPortBase = key.MustInt(ac.ClientPortBase)
		} else if name == "ping_interval" {
			ac.PingInterval = time.Second * time.Duration(key.MustInt(int(ac.PingInterval/time.Second)))
		} else if name == "rate_limit" {
			ac.RateLimit = key.MustInt(ac.RateLimit)
		} else if name == "max_roles" {
			ac.MaxRoles = key.MustInt(ac.MaxRoles)
		} else if name == "nick_width_min" {
			ac.NickWidthMin = key.MustInt(ac.NickWidthMin)
		} else if name == "nick_width_max" {
			ac.NickWidthMax = key.MustInt(ac.NickWidthMax)
		} else if name == "user_cache_ttl" {
			ac.UserCacheTTL = time.Second * time.Duration(key.MustInt(int(ac.UserCacheTTL/time.Second)))
		} else if name == "relay_conf" {
			ac.RelayConfFile = key.MustString(ac.RelayConfFile)
		} else {
			gmlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
}

func readLogicConfig(sec *ini.Section, lc *LogicConfig) {
	for _, key := range sec.Keys() {
		if readServiceKey(key, &lc.ServiceConfig) {
			continue
		}
		name := strings.ToLower(key.Name())
		if name == "save_interval" {
			lc.SaveInterval = time.Second * time.Duration(key.MustInt(int(lc.SaveInterval/time.Second)))
		} else if name == "role_cache_ttl" {
			lc.RoleCacheTTL = time.Second * time.Duration(key.MustInt(int(lc.RoleCacheTTL/time.Second)))
		} else if name == "disconnect_to_logout" {
			lc.DisconnectToLogout = time.Second * time.Duration(key.MustInt(int(lc.DisconnectToLogout/time.Second)))
		} else if name == "clock_offset" {
			lc.ClockOffset = time.Second * time.Duration(key.MustInt(int(lc.ClockOffset/time.Second)))
		} else {
			gmlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
}

func readMonitorConfig(sec *ini.Section, mc *MonitorConfig) {
	for _, key := range sec.Keys() {
		if readServiceKey(key, &mc.ServiceConfig) {
			continue
		}
		name := strings.ToLower(key.Name())
		if name == "save_interval" {
			mc.SaveInterval = time.Second * time.Duration(key.MustInt(int(mc.SaveInterval/time.Second)))
		} else if name == "role_cache_ttl" {
			mc.RoleCacheTTL = time.Second * time.Duration(key.MustInt(int(mc.RoleCacheTTL/time.Second)))
		} else {
			gmlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
}

func readChatConfig(sec *ini.Section, cc *ChatConfig) {
	for _, key := range sec.Keys() {
		if readServiceKey(key, &cc.ServiceConfig) {
			continue
		}
		name := strings.ToLower(key.Name())
		if name == "save_interval" {
			cc.SaveInterval = time.Second * time.Duration(key.MustInt(int(cc.SaveInterval/time.Second)))
		} else if name == "thread_idle_ttl" {
			cc.ThreadIdleTTL = time.Second * time.Duration(key.MustInt(int(cc.ThreadIdleTTL/time.Second)))
		} else if name == "max_messages" {
			cc.MaxMessages = key.MustInt(cc.MaxMessages)
		} else {
			gmlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
}

func readKVDBConfig(sec *ini.Section, config *KVDBConfig) {
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "url" {
			config.Url = key.MustString(config.Url)
		} else if name == "db" {
			config.DB = key.MustString(config.DB)
		} else {
			gmlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}

	if config.DB == "" {
		config.DB = "0"
	}
}

func readStorageConfig(sec *ini.Section, config *StorageConfig) {
	config.Driver = "mysql"

	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "driver" {
			config.Driver = key.MustString(config.Driver)
		} else if name == "url" {
			config.Url = key.MustString(config.Url)
		} else {
			gmlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
}

func checkConfigError(err error, msg string) {
	if err != nil {
		if msg == "" {
			msg = err.Error()
		}
		gmlog.Panicf("read config error: %s", msg)
	}
}

func validateConfig(config *GoMeshConfig) {
	if config.App.Name == "" {
		gmlog.Panicf("application_name is not set in [gomesh] config")
	}
	if config.App.Password == "" {
		gmlog.Panicf("application_password is not set in [gomesh] config")
	}

	if config.KVDB.Url == "" {
		gmlog.Panicf("url is not set in [kvdb] config")
	}
	if _, err := strconv.Atoi(config.KVDB.DB); err != nil {
		gmlog.Panic(errors.Wrap(err, "redis db must be integer"))
	}

	if config.Storage.Url == "" {
		gmlog.Panicf("url is not set in [storage] config")
	}
	if config.Storage.Driver == "" {
		gmlog.Panicf("driver is not set in [storage] config")
	}
}
