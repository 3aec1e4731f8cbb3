package main

import (
	"github.com/loykin/gridvisor/pkg/client"
)

func remote(flags GlobalFlags) bool { return flags.APIUrl != "" }

func newAPIClient(flags GlobalFlags) (*client.Client, error) {
	cfg := client.Config{
		BaseURL:  flags.APIUrl,
		Timeout:  flags.APITimeout,
		Insecure: flags.Insecure,
		Token:    flags.Token,
		Username: flags.User,
		Password: flags.Password,
	}
	if flags.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: flags.CACert}
	}
	return client.New(cfg)
}
