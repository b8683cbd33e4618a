package main

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/subexec/internal/appconfig"
	"pkt.systems/subexec/internal/shipohoy/podman"
)

func connectRuntime(ctx context.Context, cfg appconfig.Config) (*podman.Runtime, error) {
	registry := podman.RegistryAuth{
		Server:   cfg.Engine.Registry.Server,
		Username: cfg.Engine.Registry.Username,
		Password: cfg.Engine.Registry.Password,
	}
	if appconfig.Unresolved(registry.Username) || appconfig.Unresolved(registry.Password) {
		pslog.Ctx(ctx).Info("engine registry credentials not set; pulling anonymously", "server", registry.Server)
		registry = podman.RegistryAuth{}
	}
	rt, err := podman.New(ctx, podman.Config{
		Address:     cfg.Engine.Address,
		UserNSMode:  cfg.Engine.UserNSMode,
		PullTimeout: time.Duration(cfg.Engine.PullTimeoutMinutes) * time.Minute,
		StopTimeout: time.Duration(cfg.Engine.StopTimeoutSeconds) * time.Second,
		Registry:    registry,
	})
	if err != nil {
		return nil, fmt.Errorf("engine connection failed (%s): %w", cfg.Engine.Address, err)
	}
	return rt, nil
}
