package task

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/austindbirch/taskbridge/pkg/broker"
)

// TestingQueue is the single queue every task lands in when the app runs in
// testing mode.
const TestingQueue = "taskbridge.default"

// Config configures an App. Fields with mapstructure tags can be read from
// the [taskbridge] ini section; queues and routers are set in code.
// DefaultMaxRetries is a pointer so an explicit 0 can be told apart from
// unset; nil takes the value of DefaultConfig. -1 means unlimited.
type Config struct {
	AppName           string        `mapstructure:"app_name"`
	Testing           bool          `mapstructure:"testing"`
	BrokerURL         string        `mapstructure:"broker_url" validate:"required,startswith=memory://|startswith=nsq://"`
	ResultBackend     string        `mapstructure:"result_backend" validate:"omitempty,startswith=memory://|startswith=postgres://|startswith=postgresql://"`
	IgnoreResult      bool          `mapstructure:"task_ignore_result"`
	DefaultQueue      string        `mapstructure:"task_default_queue" validate:"required"`
	DefaultExchange   string        `mapstructure:"task_default_exchange"`
	DefaultRoutingKey string        `mapstructure:"task_default_routing_key"`
	DefaultMaxRetries *int          `mapstructure:"task_max_retries" validate:"omitnil,gte=-1"`
	DefaultRetryDelay time.Duration `mapstructure:"task_default_retry_delay" validate:"gte=0"`

	Queues []broker.Queue `mapstructure:"-"`
	Routes []Router       `mapstructure:"-"`
}

// DefaultConfig returns the settings used for anything a Config leaves unset.
func DefaultConfig() Config {
	return Config{
		AppName:           "taskbridge",
		BrokerURL:         "memory://",
		DefaultQueue:      "taskbridge",
		DefaultExchange:   "taskbridge",
		DefaultRoutingKey: "taskbridge",
		DefaultMaxRetries: Retries(3),
		DefaultRetryDelay: 3 * time.Minute,
	}
}

// TestingConfig returns the fixed in-memory configuration used when testing
// is switched on: one topic-bound queue receiving every message, results
// ignored. Only the app name survives from the requested config.
func TestingConfig(appName string) Config {
	c := DefaultConfig()
	if appName != "" {
		c.AppName = appName
	}
	c.BrokerURL = "memory://"
	c.ResultBackend = ""
	c.IgnoreResult = true
	c.DefaultQueue = TestingQueue
	c.DefaultExchange = TestingQueue
	c.DefaultRoutingKey = ""
	c.Queues = []broker.Queue{{
		Name:       TestingQueue,
		Exchange:   broker.Exchange{Name: TestingQueue, Type: "topic"},
		RoutingKey: "*",
	}}
	return c
}

// Retries returns a pointer to n for Config.DefaultMaxRetries.
func Retries(n int) *int { return &n }

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AppName == "" {
		c.AppName = d.AppName
	}
	if c.BrokerURL == "" {
		c.BrokerURL = d.BrokerURL
	}
	if c.DefaultQueue == "" {
		c.DefaultQueue = d.DefaultQueue
	}
	if c.DefaultExchange == "" {
		c.DefaultExchange = c.DefaultQueue
	}
	if c.DefaultMaxRetries == nil {
		c.DefaultMaxRetries = d.DefaultMaxRetries
	}
	if c.DefaultRetryDelay == 0 {
		c.DefaultRetryDelay = d.DefaultRetryDelay
	}
	return c
}

var validate = validator.New()

// Validate checks the config fields.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid task config: %w", err)
	}
	return nil
}

// Clone returns a copy that shares no slices or pointers with c.
func (c Config) Clone() Config {
	out := c
	if c.DefaultMaxRetries != nil {
		out.DefaultMaxRetries = Retries(*c.DefaultMaxRetries)
	}
	if c.Queues != nil {
		out.Queues = append([]broker.Queue(nil), c.Queues...)
	}
	if c.Routes != nil {
		out.Routes = append([]Router(nil), c.Routes...)
	}
	return out
}

// Queue returns the declared queue called name.
func (c Config) Queue(name string) (broker.Queue, bool) {
	for _, q := range c.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return broker.Queue{}, false
}
