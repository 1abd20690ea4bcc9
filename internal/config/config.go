package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. http://nsqd:4151, polled for queue depth
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	WorkerChannel  string // NSQ channel every worker subscribes with
	DLQTopic       string // Dead letter topic for terminally failed tasks
	MaxInFlight    int    // Messages a worker holds at once per queue
}

type Worker struct {
	HTTPPort        string        // Worker /healthz and /metrics port
	PublishDLQ      bool          // Whether to publish terminal failures to DLQ
	MonitorInterval time.Duration // Queue depth poll interval, 0 disables
	ShutdownTimeout time.Duration // Grace period for in-flight tasks
}

type Config struct {
	AppName  string
	LogLevel string
	DB       DB
	NSQ      NSQ
	Worker   Worker
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// port normalizes "8083" and ":8083" to ":8083".
func port(p string) string {
	if p == "" || strings.HasPrefix(p, ":") {
		return p
	}
	return ":" + p
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "taskbridge"),
		LogLevel: getenv("LOG_LEVEL", "info"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "taskbridge"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "http://nsqd:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "taskbridge_dlq"),
			MaxInFlight:    getenvInt("NSQ_MAX_IN_FLIGHT", 1),
		},
		Worker: Worker{
			HTTPPort:        port(getenv("WORKER_HTTP_PORT", "8083")),
			PublishDLQ:      getenvBool("PUBLISH_DLQ_TOPIC", false),
			MonitorInterval: getenvDuration("QUEUE_MONITOR_INTERVAL", 10*time.Second),
			ShutdownTimeout: getenvDuration("WORKER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
