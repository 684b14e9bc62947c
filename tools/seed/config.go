package main

import (
	"fmt"
	"time"
)

type Config struct {
	// Connection
	URI        string
	Database   string
	Collection string

	// Workload
	Count    int
	Threads  int
	Interval time.Duration
	Seed     int64
}

func (c *Config) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("uri cannot be empty")
	}
	if c.Database == "" {
		return fmt.Errorf("database cannot be empty")
	}
	if c.Collection == "" {
		return fmt.Errorf("collection cannot be empty")
	}
	if c.Count < 1 {
		return fmt.Errorf("count must be at least 1")
	}
	if c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1")
	}
	if c.Threads > c.Count {
		c.Threads = c.Count
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must be non-negative")
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return nil
}

// share splits Count across Threads, the first writers taking the remainder
func (c *Config) share(worker int) int {
	n := c.Count / c.Threads
	if worker < c.Count%c.Threads {
		n++
	}
	return n
}
