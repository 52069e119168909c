package main

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"

	"github.com/datallboy/songq/internal/client"
	"github.com/datallboy/songq/internal/infra/config"
)

type commandContext struct {
	addrFlag   *string
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(addrFlag, configFlag *string) *commandContext {
	return &commandContext{
		addrFlag:   addrFlag,
		configFlag: configFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// daemonAddr is --addr when given, otherwise the local port from config.
func (c *commandContext) daemonAddr() string {
	if c.addrFlag != nil && strings.TrimSpace(*c.addrFlag) != "" {
		return strings.TrimSpace(*c.addrFlag)
	}
	port := "8080"
	if cfg, err := c.ensureConfig(); err == nil && cfg.Port != "" {
		port = cfg.Port
	}
	return net.JoinHostPort("127.0.0.1", port)
}

func (c *commandContext) withClient(fn func(*client.Client) error) error {
	addr := c.daemonAddr()
	return wrapDialError(fn(client.New(addr)), addr)
}

func wrapDialError(err error, addr string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("connect to daemon: %s refused the connection; start it with `songq serve`", addr)
	}
	return err
}
