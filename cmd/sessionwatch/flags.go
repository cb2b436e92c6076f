package main

import "time"

// Flag structs decouple cobra from command logic for testing.

type GlobalFlags struct {
	ConfigPath string
}

// HookFlags replace the stdin envelope when SessionID is set.
type HookFlags struct {
	SessionID string
	Cwd       string
}

type StatusFlags struct {
	SessionID string
	Usage     bool
	APIFlags
}

// APIFlags point a command at a running serve instance instead of the
// local lock directory.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
}
