package discovery

import (
	"context"
	"fmt"
	"math/rand"
)

// ServiceURL resolves a service name to a base URL ("http://host:port")
// through the registry, picking a random healthy instance. Callers that
// have an explicit URL configured should prefer it and skip discovery.
func ServiceURL(ctx context.Context, registry Registry, serviceName string) (string, error) {
	addrs, err := registry.Discover(ctx, serviceName)
	if err != nil {
		return "", fmt.Errorf("failed to discover %s: %w", serviceName, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoInstances, serviceName)
	}

	return "http://" + addrs[rand.Intn(len(addrs))], nil
}
