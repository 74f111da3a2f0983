package config

import (
	"fmt"
	"net"
)

// override looks up worker's WorkerOverride, returning the zero value if
// none is configured.
func (c *Config) override(worker string) WorkerOverride {
	return c.Workers[worker]
}

// SvcAddr returns worker's C5/C7 control-request address, a WorkerOverride
// host (falling back to worker itself, the usual case where the worker
// name is also its resolvable hostname) and SvcPort (falling back to
// Worker.SvcPort).
func (c *Config) SvcAddr(worker string) string {
	o := c.override(worker)
	host := o.SvcHost
	if host == "" {
		host = worker
	}
	port := o.SvcPort
	if port == 0 {
		port = c.Worker.SvcPort
	}
	return net.JoinHostPort(host, fmt.Sprint(port))
}

// FsAddr returns worker's C6 file-server address.
func (c *Config) FsAddr(worker string) string {
	o := c.override(worker)
	host := o.FsHost
	if host == "" {
		host = worker
	}
	port := o.FsPort
	if port == 0 {
		port = c.Worker.FsPort
	}
	return net.JoinHostPort(host, fmt.Sprint(port))
}

// TaskAddr returns worker's C11 task-runner (query plane) address.
func (c *Config) TaskAddr(worker string) string {
	o := c.override(worker)
	host := o.TaskHost
	if host == "" {
		host = worker
	}
	port := o.TaskPort
	if port == 0 {
		port = c.Worker.TaskPort
	}
	return net.JoinHostPort(host, fmt.Sprint(port))
}

// DataDirForWorker returns worker's chunk-file root, a WorkerOverride
// DataDir (falling back to Worker.DataDirFor(worker)).
func (c *Config) DataDirForWorker(worker string) string {
	if o := c.override(worker); o.DataDir != "" {
		return o.DataDir
	}
	return c.Worker.DataDirFor(worker)
}
