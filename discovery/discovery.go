// Package discovery resolves the network endpoint of the event bus.
//
// The usual chain is a ConsulResolver backed by an EnvResolver: services
// registered in Consul are preferred, and NATS_HOST/NATS_PORT are used when
// Consul is unreachable or has no healthy instance.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/consul/api"
)

// ErrNoInstances is returned when the registry knows no healthy instance.
var ErrNoInstances = errors.New("no healthy instances")

// Endpoint is a resolved host and port.
type Endpoint struct {
	Host string
	Port int
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the NATS URL for the endpoint.
func (e Endpoint) URL() string {
	return "nats://" + e.Address()
}

// Resolver looks up the endpoint of a named service.
type Resolver interface {
	Resolve(ctx context.Context, service string) (Endpoint, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, service string) (Endpoint, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, service string) (Endpoint, error) {
	return f(ctx, service)
}

// StaticResolver always returns the same endpoint.
type StaticResolver Endpoint

// Resolve implements Resolver.
func (s StaticResolver) Resolve(context.Context, string) (Endpoint, error) {
	return Endpoint(s), nil
}

// URLResolver resolves to the host and port of a fixed NATS URL such as
// nats://host:4222.
func URLResolver(rawURL string) (Resolver, error) {
	ep, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return StaticResolver(ep), nil
}

// Defaults for EnvResolver.
const (
	DefaultHost = "localhost"
	DefaultPort = 4222
)

// EnvResolver reads NATS_HOST and NATS_PORT.
type EnvResolver struct {
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// Resolve implements Resolver. The service name is ignored.
func (r EnvResolver) Resolve(context.Context, string) (Endpoint, error) {
	getenv := r.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	ep := Endpoint{Host: DefaultHost, Port: DefaultPort}
	if host := getenv("NATS_HOST"); host != "" {
		ep.Host = host
	}
	if port := getenv("NATS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return Endpoint{}, fmt.Errorf("invalid NATS_PORT %q", port)
		}
		ep.Port = p
	}
	return ep, nil
}

// FallbackResolver tries Primary and uses Fallback when it fails.
type FallbackResolver struct {
	Primary  Resolver
	Fallback Resolver
	Logger   *slog.Logger
}

// Resolve implements Resolver.
func (r *FallbackResolver) Resolve(ctx context.Context, service string) (Endpoint, error) {
	ep, err := r.Primary.Resolve(ctx, service)
	if err == nil {
		return ep, nil
	}

	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("Service discovery failed, using fallback",
		"service", service,
		"error", err)

	ep, fbErr := r.Fallback.Resolve(ctx, service)
	if fbErr != nil {
		return Endpoint{}, fmt.Errorf("fallback after %v: %w", err, fbErr)
	}
	return ep, nil
}

// ConsulResolver finds healthy service instances through the Consul HTTP API.
type ConsulResolver struct {
	client *api.Client
	tag    string
}

// NewConsulResolver creates a resolver talking to the Consul agent at
// address (host:port). An empty address uses the client defaults, which
// honor CONSUL_HTTP_ADDR.
func NewConsulResolver(address, tag string) (*ConsulResolver, error) {
	cfg := api.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}
	return &ConsulResolver{client: client, tag: tag}, nil
}

// Resolve implements Resolver. The first passing instance wins; its service
// address is used, falling back to the node address.
func (r *ConsulResolver) Resolve(ctx context.Context, service string) (Endpoint, error) {
	q := (&api.QueryOptions{}).WithContext(ctx)
	entries, _, err := r.client.Health().Service(service, r.tag, true, q)
	if err != nil {
		return Endpoint{}, fmt.Errorf("consul lookup %s: %w", service, err)
	}

	for _, entry := range entries {
		if entry.Service == nil || entry.Service.Port == 0 {
			continue
		}
		host := entry.Service.Address
		if host == "" && entry.Node != nil {
			host = entry.Node.Address
		}
		if host == "" {
			continue
		}
		return Endpoint{Host: host, Port: entry.Service.Port}, nil
	}

	return Endpoint{}, fmt.Errorf("consul lookup %s: %w", service, ErrNoInstances)
}

// ParseURL extracts the endpoint of a NATS URL such as nats://host:4222.
// A missing scheme means nats and a missing port means DefaultPort.
func ParseURL(rawURL string) (Endpoint, error) {
	if !strings.Contains(rawURL, "://") {
		rawURL = "nats://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid NATS URL: %w", err)
	}
	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("invalid NATS URL %q: missing host", rawURL)
	}

	ep := Endpoint{Host: u.Hostname(), Port: DefaultPort}
	if port := u.Port(); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return Endpoint{}, fmt.Errorf("invalid port in NATS URL %q", rawURL)
		}
		ep.Port = p
	}
	return ep, nil
}
