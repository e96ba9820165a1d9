package brokers

import (
	"github.com/quantumleap-labs/brokerlink-core/internal/core/ports/driven"
)

// Factory resolves broker gateways by provider name.
type Factory struct {
	gateways map[string]driven.BrokerGateway
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{
		gateways: make(map[string]driven.BrokerGateway),
	}
}

// Register adds a gateway under a provider name.
func (f *Factory) Register(name string, gateway driven.BrokerGateway) {
	f.gateways[name] = gateway
}

// Gateway returns the gateway for a provider, or nil if not registered.
func (f *Factory) Gateway(name string) driven.BrokerGateway {
	return f.gateways[name]
}

// Providers lists the registered provider names.
func (f *Factory) Providers() []string {
	names := make([]string, 0, len(f.gateways))
	for name := range f.gateways {
		names = append(names, name)
	}
	return names
}
