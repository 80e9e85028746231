package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Templates TemplatesConfig `mapstructure:"templates"`
	Build     BuildConfig     `mapstructure:"build"`
	Signing   SigningConfig   `mapstructure:"signing"`
	Inject    InjectConfig    `mapstructure:"inject"`
	Output    OutputConfig    `mapstructure:"output"`
	ADB       ADBConfig       `mapstructure:"adb"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Server    ServerConfig    `mapstructure:"server"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
}

// WorkspaceConfig 中间产物根目录，服务模式下每次运行使用 <dir>/runs/<run-id>
type WorkspaceConfig struct {
	Dir string `mapstructure:"dir"`
}

// TemplatesConfig 为空时使用内置模板
type TemplatesConfig struct {
	NativeDir string `mapstructure:"native_dir"` // 含 droidgrity.cpp.template 和 CMakeLists.txt
	Smali     string `mapstructure:"smali"`      // DroidGrity.smali.template
}

type BuildConfig struct {
	NDKPath   string   `mapstructure:"ndk_path"`
	CMake     string   `mapstructure:"cmake"`
	ABIs      []string `mapstructure:"abis"`
	BuildType string   `mapstructure:"build_type"` // Debug, Release
}

type SigningConfig struct {
	Keystore  string   `mapstructure:"keystore"`
	StorePass string   `mapstructure:"store_pass"`
	Alias     string   `mapstructure:"alias"`
	KeyPass   string   `mapstructure:"key_pass"`
	Schemes   []string `mapstructure:"schemes"` // v1..v4
	Verify    bool     `mapstructure:"verify"`  // 签名后校验证书指纹
}

type InjectConfig struct {
	AllActivities bool   `mapstructure:"all_activities"`
	ReturnPolicy  string `mapstructure:"return_policy"` // first, all
}

type OutputConfig struct {
	Path       string `mapstructure:"path"`
	DoNotClean bool   `mapstructure:"do_not_clean"`
}

type ADBConfig struct {
	Path    string `mapstructure:"path"`
	Serial  string `mapstructure:"serial"`
	Install bool   `mapstructure:"install"`
	Timeout int    `mapstructure:"timeout"` // seconds
}

// ToolsConfig 外部工具路径，为空时从 PATH 查找
type ToolsConfig struct {
	Apktool   string `mapstructure:"apktool"`
	Aapt2     string `mapstructure:"aapt2"`
	Zipalign  string `mapstructure:"zipalign"`
	Apksigner string `mapstructure:"apksigner"`
	Metadata  string `mapstructure:"metadata"` // binary, aapt, auto
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	File   string `mapstructure:"file"`   // 为空时只输出到标准输出
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Path     string `mapstructure:"path"` // sqlite 文件
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

type ServerConfig struct {
	Port          int    `mapstructure:"port"`
	Mode          string `mapstructure:"mode"`      // debug, release
	APIToken      string `mapstructure:"api_token"` // 为空时不鉴权
	UploadLimitMB int    `mapstructure:"upload_limit_mb"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

type WatcherConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	InboxDir string `mapstructure:"inbox_dir"`
	Debounce int    `mapstructure:"debounce_ms"`
}

// DebounceDuration 防抖时间
func (w WatcherConfig) DebounceDuration() time.Duration {
	return time.Duration(w.Debounce) * time.Millisecond
}

// SetDefaults 默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workspace.dir", ".droidgrity")
	v.SetDefault("build.cmake", "cmake")
	v.SetDefault("build.abis", []string{"armeabi-v7a", "arm64-v8a", "x86", "x86_64"})
	v.SetDefault("build.build_type", "Debug")
	v.SetDefault("signing.verify", true)
	v.SetDefault("inject.return_policy", "first")
	v.SetDefault("adb.path", "adb")
	v.SetDefault("adb.timeout", 120)
	v.SetDefault("tools.apktool", "apktool")
	v.SetDefault("tools.aapt2", "aapt2")
	v.SetDefault("tools.zipalign", "zipalign")
	v.SetDefault("tools.apksigner", "apksigner")
	v.SetDefault("tools.metadata", "auto")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "droidgrity.db")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "droidgrity_runs")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.upload_limit_mb", 512)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.queue_size", 100)
	v.SetDefault("watcher.inbox_dir", "inbox")
	v.SetDefault("watcher.debounce_ms", 2000)
}

// bindEnv 绑定环境变量到嵌套配置路径
func bindEnv(v *viper.Viper) {
	v.AutomaticEnv()

	// NDK
	_ = v.BindEnv("build.ndk_path", "ANDROID_NDK_ROOT", "ANDROID_NDK_HOME")

	// 签名密码不落盘
	_ = v.BindEnv("signing.store_pass", "DROIDGRITY_KEYSTORE_PASS")
	_ = v.BindEnv("signing.key_pass", "DROIDGRITY_KEY_PASS")
	_ = v.BindEnv("server.api_token", "DROIDGRITY_API_TOKEN")

	// RabbitMQ
	_ = v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	_ = v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	_ = v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	_ = v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	_ = v.BindEnv("database.host", "MYSQL_HOST")
	_ = v.BindEnv("database.port", "MYSQL_PORT")
	_ = v.BindEnv("database.user", "MYSQL_USER")
	_ = v.BindEnv("database.password", "MYSQL_PASS")
	_ = v.BindEnv("database.db_name", "MYSQL_DB")
}

// Load 读取配置文件，path 为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith 使用给定的 viper 实例加载，调用方可以预先绑定命令行参数
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

// Validate 服务模式所需的检查
func (c *Config) Validate() error {
	if c.Workspace.Dir == "" {
		return errors.New("workspace.dir is required")
	}
	switch c.Database.Type {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported database type: %q", c.Database.Type)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	switch c.Inject.ReturnPolicy {
	case "first", "all":
	default:
		return fmt.Errorf("unsupported inject.return_policy: %q", c.Inject.ReturnPolicy)
	}
	return nil
}
