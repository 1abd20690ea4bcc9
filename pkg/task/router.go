package task

// Route is what a Router sees for one publish.
type Route struct {
	Task       *Task
	Args       []any
	Kwargs     map[string]any
	Exchange   string
	RoutingKey string
}

// Router picks the queue for a publish. An empty name defers to the next
// router, then to the configured default queue.
type Router interface {
	Route(r Route) string
}

// RouterFunc adapts a function to Router.
type RouterFunc func(r Route) string

func (f RouterFunc) Route(r Route) string { return f(r) }

// RoutingKeyRouter routes by routing key alone: the queue bound to the
// publish's exchange (or the default exchange) with that routing key wins.
// Without a routing key, or when no queue matches, DefaultQueue is used
// unless the app config names a default queue.
type RoutingKeyRouter struct {
	DefaultQueue string
}

func (r RoutingKeyRouter) Route(rt Route) string {
	if rt.Task == nil || rt.RoutingKey == "" {
		return r.DefaultQueue
	}
	conf := rt.Task.App().Config()
	exchange := rt.Exchange
	if exchange == "" {
		exchange = conf.DefaultExchange
	}
	for _, q := range conf.Queues {
		if q.Exchange.Name == exchange && q.RoutingKey == rt.RoutingKey {
			return q.Name
		}
	}
	if conf.DefaultQueue != "" {
		return conf.DefaultQueue
	}
	return r.DefaultQueue
}
