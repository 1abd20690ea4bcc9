package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database,omitempty"`
	Broker   bool   `json:"broker,omitempty"`
}

// DBPinger is satisfied by *pgxpool.Pool.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// BrokerPinger is satisfied by brokers that can check their connection.
type BrokerPinger interface {
	Ping() error
}

// HTTPHandler returns an HTTP handler that reports the health status of the
// worker. Either dependency may be nil when it is not configured.
func HTTPHandler(db DBPinger, broker BrokerPinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: true, Broker: true}

		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
			}
		}
		if broker != nil {
			if err := broker.Ping(); err != nil {
				st.OK = false
				st.Broker = false
				if st.Message == "ok" {
					st.Message = "broker ping failed"
				} else {
					st.Message = "db and broker ping failed"
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
