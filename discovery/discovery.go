package discovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ErrNoInstances is returned when discovery finds no healthy instance of a
// service.
var ErrNoInstances = errors.New("no service instances found")

type Registry interface {
	Register(ctx context.Context, instanceID, serviceName, hostPort string) error
	Deregister(ctx context.Context, instanceID, serviceName string) error
	Discover(ctx context.Context, serviceName string) ([]string, error)
	HealthCheck(instanceID, serviceName string) error
}

// GenerateInstanceID returns a unique instance ID for registration, e.g.
// "orchestrator-123456789". The random suffix keeps concurrently starting
// instances from colliding.
func GenerateInstanceID(serviceName string) string {
	return fmt.Sprintf("%s-%d", serviceName, rand.New(rand.NewSource(time.Now().UnixNano())).Int())
}
