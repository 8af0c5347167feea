package run

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// WorkerIdentity names this process among the workers sharing a store.
// It is built once at process start and passed to the coordinator.
type WorkerIdentity struct {
	ID        string
	Host      string
	StartedAt time.Time
}

// NewWorkerIdentity builds the identity of this process. An empty id is
// derived from the host name and a random suffix.
func NewWorkerIdentity(id string) WorkerIdentity {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	if id == "" {
		id = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	return WorkerIdentity{ID: id, Host: host, StartedAt: time.Now().UTC()}
}
