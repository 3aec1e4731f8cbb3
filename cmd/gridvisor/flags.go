package main

import "time"

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	CACert     string
	Token      string
	User       string
	Password   string
}

type ServeFlags struct {
	Daemonize bool
	PIDFile   string
	LogFile   string
}

type AcquireFlags struct {
	Wait time.Duration
}

type ProbeFlags struct {
	Port    int
	Timeout time.Duration
}

type HashPasswordFlags struct {
	Cost int
}
