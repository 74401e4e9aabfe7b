package app

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	consulapi "github.com/hashicorp/consul/api"

	"licensegate/internal/config"
)

// registerWithConsul registers the service with an HTTP check on the liveness endpoint
func registerWithConsul(cfg *config.Config, logger *slog.Logger) (*consulapi.Client, error) {
	consulConfig := consulapi.DefaultConfig()
	consulConfig.Address = cfg.Consul.Address

	client, err := consulapi.NewClient(consulConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	registration := consulRegistration(cfg)
	if err := client.Agent().ServiceRegister(registration); err != nil {
		return nil, fmt.Errorf("failed to register service: %w", err)
	}

	logger.Info("Registered with Consul",
		slog.String("service_id", registration.ID),
		slog.String("address", registration.Address),
		slog.Int("port", registration.Port))

	return client, nil
}

func consulRegistration(cfg *config.Config) *consulapi.AgentServiceRegistration {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		if name, err := os.Hostname(); err == nil {
			host = name
		} else {
			host = "localhost"
		}
	}

	checkURL := "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)) + "/api/health/live"

	return &consulapi.AgentServiceRegistration{
		ID:      cfg.Consul.ServiceID,
		Name:    cfg.Consul.ServiceName,
		Tags:    cfg.Consul.Tags,
		Port:    cfg.Server.Port,
		Address: host,
		Meta: map[string]string{
			"store": cfg.Database.Driver,
		},
		Check: &consulapi.AgentServiceCheck{
			HTTP:                           checkURL,
			Interval:                       cfg.Consul.CheckInterval,
			Timeout:                        "3s",
			DeregisterCriticalServiceAfter: cfg.Consul.DeregisterCriticalServiceAfter,
		},
	}
}

func deregisterFromConsul(client *consulapi.Client, cfg *config.Config, logger *slog.Logger) {
	if client == nil {
		return
	}
	if err := client.Agent().ServiceDeregister(cfg.Consul.ServiceID); err != nil {
		logger.Error("Failed to deregister from Consul", slog.String("error", err.Error()))
		return
	}
	logger.Info("Deregistered from Consul", slog.String("service_id", cfg.Consul.ServiceID))
}
