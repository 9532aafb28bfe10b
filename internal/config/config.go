// Package config 加载服务端配置。
//
// 运行参数来自环境变量（viper），账号凭证保存在数据根目录下的
// config.json，注册邮箱保存在 credient.txt。
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 服务端完整配置
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Pool     PoolConfig
	Cooldown CooldownConfig
	Email    EmailConfig
	Login    LoginConfig
	Upstream UpstreamConfig
}

type ServerConfig struct {
	Host          string
	Port          int
	PublicBaseURL string
	APIKeys       []string
	DataRoot      string
}

type LogConfig struct {
	Level   string
	Dir     string
	Console bool
}

// PoolConfig 账号池维护参数
type PoolConfig struct {
	TargetCount          int
	HealthCheckInterval  time.Duration
	MaxRefreshFailures   int
	MaxConsecutiveErrors int
	CredentialExpire     time.Duration
	MaxConcurrent        int
}

// CooldownConfig 各类错误的冷却时长
type CooldownConfig struct {
	AuthError    time.Duration
	RateLimit    time.Duration
	GenericError time.Duration
}

// EmailConfig 接收验证码的邮箱
type EmailConfig struct {
	Address  string
	AuthCode string
	IMAPHost string
	IMAPPort int
}

// LoginConfig 浏览器自动登录参数
type LoginConfig struct {
	VerificationTimeout time.Duration
	RetryCount          int
	Headless            bool
	YesCaptchaAPIKey    string
	EmailDomain         string
}

type UpstreamConfig struct {
	ProxyURL string
}

// Load 读取环境变量并应用默认值。
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GEMBIZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.public_base_url", "")
	v.SetDefault("server.api_keys", "")
	v.SetDefault("server.data_root", ".")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.console", true)

	v.SetDefault("cooldown.auth_error", 900)
	v.SetDefault("cooldown.rate_limit", 300)
	v.SetDefault("cooldown.generic_error", 120)

	v.SetDefault("email.address", "")
	v.SetDefault("email.auth_code", "")
	v.SetDefault("email.imap_host", "imap.qq.com")
	v.SetDefault("email.imap_port", 993)

	v.SetDefault("login.verification_timeout", 120)
	v.SetDefault("login.retry_count", 3)
	v.SetDefault("login.headless", true)
	v.SetDefault("login.email_domain", "")

	v.SetDefault("upstream.proxy_url", "")

	// 账号池参数沿用对外文档化的裸环境变量名
	pool := viper.New()
	pool.AutomaticEnv()
	pool.SetDefault("ACCOUNT_POOL_TARGET_COUNT", 25)
	pool.SetDefault("ACCOUNT_POOL_HEALTH_CHECK_INTERVAL", 300)
	pool.SetDefault("ACCOUNT_POOL_MAX_REFRESH_FAILURES", 2)
	pool.SetDefault("ACCOUNT_POOL_MAX_CONSECUTIVE_ERRORS", 3)
	pool.SetDefault("ACCOUNT_POOL_CREDENTIAL_EXPIRE_HOURS", 12)
	pool.SetDefault("ACCOUNT_POOL_MAX_CONCURRENT", 5)
	pool.SetDefault("YESCAPTCHA_API_KEY", "")

	cfg := &Config{
		Server: ServerConfig{
			Host:          v.GetString("server.host"),
			Port:          v.GetInt("server.port"),
			PublicBaseURL: strings.TrimRight(v.GetString("server.public_base_url"), "/"),
			APIKeys:       splitKeys(v.GetString("server.api_keys")),
			DataRoot:      v.GetString("server.data_root"),
		},
		Log: LogConfig{
			Level:   v.GetString("log.level"),
			Dir:     v.GetString("log.dir"),
			Console: v.GetBool("log.console"),
		},
		Pool: PoolConfig{
			TargetCount:          pool.GetInt("ACCOUNT_POOL_TARGET_COUNT"),
			HealthCheckInterval:  time.Duration(pool.GetInt("ACCOUNT_POOL_HEALTH_CHECK_INTERVAL")) * time.Second,
			MaxRefreshFailures:   pool.GetInt("ACCOUNT_POOL_MAX_REFRESH_FAILURES"),
			MaxConsecutiveErrors: pool.GetInt("ACCOUNT_POOL_MAX_CONSECUTIVE_ERRORS"),
			CredentialExpire:     time.Duration(pool.GetInt("ACCOUNT_POOL_CREDENTIAL_EXPIRE_HOURS")) * time.Hour,
			MaxConcurrent:        pool.GetInt("ACCOUNT_POOL_MAX_CONCURRENT"),
		},
		Cooldown: CooldownConfig{
			AuthError:    time.Duration(v.GetInt("cooldown.auth_error")) * time.Second,
			RateLimit:    time.Duration(v.GetInt("cooldown.rate_limit")) * time.Second,
			GenericError: time.Duration(v.GetInt("cooldown.generic_error")) * time.Second,
		},
		Email: EmailConfig{
			Address:  v.GetString("email.address"),
			AuthCode: v.GetString("email.auth_code"),
			IMAPHost: v.GetString("email.imap_host"),
			IMAPPort: v.GetInt("email.imap_port"),
		},
		Login: LoginConfig{
			VerificationTimeout: time.Duration(v.GetInt("login.verification_timeout")) * time.Second,
			RetryCount:          v.GetInt("login.retry_count"),
			Headless:            v.GetBool("login.headless"),
			YesCaptchaAPIKey:    pool.GetString("YESCAPTCHA_API_KEY"),
			EmailDomain:         v.GetString("login.email_domain"),
		},
		Upstream: UpstreamConfig{
			ProxyURL: v.GetString("upstream.proxy_url"),
		},
	}
	return cfg, nil
}

func splitKeys(raw string) []string {
	var keys []string
	for _, part := range strings.Split(raw, ",") {
		if k := strings.TrimSpace(part); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// AccountsFile config.json 路径
func (c *Config) AccountsFile() string {
	return filepath.Join(c.Server.DataRoot, "config.json")
}

// CredentialsFile credient.txt 路径
func (c *Config) CredentialsFile() string {
	return filepath.Join(c.Server.DataRoot, "credient.txt")
}

// DataDir SQLite 数据目录
func (c *Config) DataDir() string {
	return filepath.Join(c.Server.DataRoot, "data")
}

// ImagesDir 生成图片根目录
func (c *Config) ImagesDir() string {
	return filepath.Join(c.Server.DataRoot, "images")
}
