package main

import (
	"fmt"
	"net"
	"strconv"

	"github.com/hamba/cmd"
	"github.com/hashicorp/go-sockaddr"
	"github.com/nrwiersma/renderfarm"
)

// Application =============================

func newApplication(c *cmd.Context) (*renderfarm.Application, error) {
	cfg := renderfarm.NewConfig()
	cfg.RPCAddr = c.String(flagRPCAddr)
	cfg.StatusInterval = c.Duration(flagStatusInterval)
	cfg.Logger = c.Logger()
	cfg.Statter = c.Statter()

	cfg.Store.ID = c.String(flagID)
	cfg.Store.DataDir = c.String(flagDataDir)
	cfg.Store.BindAddr = c.String(flagRaftAddr)

	cfg.Dispatch.FrameTimeout = c.Duration(flagFrameTimeout)
	cfg.Dispatch.FailureThreshold = c.Int(flagFailureThreshold)
	cfg.Dispatch.SweepInterval = c.Duration(flagSweepInterval)
	cfg.Dispatch.AdapterTimeout = c.Duration(flagAdapterTimeout)

	if err := setupHealth(c, cfg); err != nil {
		return nil, err
	}

	return renderfarm.NewApplication(cfg)
}

// Health ==================================

func setupHealth(c *cmd.Context, cfg *renderfarm.Config) error {
	cfg.Health.DataDir = c.String(flagDataDir)
	cfg.Health.EncryptKey = c.String(flagEncryptKey)
	cfg.Health.AutoRegister = c.Bool(flagAutoRegister)

	if name := c.String(flagName); name != "" {
		cfg.Health.Name = name
	}

	bindIP, bindPort, err := net.SplitHostPort(c.String(flagSerfAddr))
	if err != nil {
		return err
	}
	ml := cfg.Health.SerfConfig.MemberlistConfig
	ml.BindAddr = bindIP
	ml.BindPort, err = strconv.Atoi(bindPort)
	if err != nil {
		return err
	}

	// Advertise a routable address when bound to all interfaces.
	if ip := net.ParseIP(bindIP); ip != nil && ip.IsUnspecified() {
		privIP, err := sockaddr.GetPrivateIP()
		if err != nil {
			return fmt.Errorf("health: could not get private ip: %w", err)
		}
		if privIP != "" {
			ml.AdvertiseAddr = privIP
			ml.AdvertisePort = ml.BindPort
		}
	}

	return nil
}
