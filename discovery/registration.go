package discovery

import (
	"context"
	"log"
	"time"
)

// ServiceRegistration keeps a registered service instance healthy in the
// registry until Deregister is called.
type ServiceRegistration struct {
	registry    Registry
	instanceID  string
	serviceName string
	stopChan    chan struct{}
}

// RegisterService registers the instance and starts a background loop that
// refreshes its TTL health check every second.
func RegisterService(
	ctx context.Context,
	registry Registry,
	instanceID, serviceName, addr string,
) (*ServiceRegistration, error) {
	if err := registry.Register(ctx, instanceID, serviceName, addr); err != nil {
		return nil, err
	}

	sr := &ServiceRegistration{
		registry:    registry,
		instanceID:  instanceID,
		serviceName: serviceName,
		stopChan:    make(chan struct{}),
	}

	go sr.startHealthCheck()

	return sr, nil
}

func (sr *ServiceRegistration) startHealthCheck() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sr.stopChan:
			return
		case <-ticker.C:
			if err := sr.registry.HealthCheck(sr.instanceID, sr.serviceName); err != nil {
				log.Printf("Health check failed: %v", err)
			}
		}
	}
}

// Deregister stops the health check loop and removes the instance from the
// registry.
func (sr *ServiceRegistration) Deregister(ctx context.Context) error {
	close(sr.stopChan)
	return sr.registry.Deregister(ctx, sr.instanceID, sr.serviceName)
}
