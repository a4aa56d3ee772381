package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

// LivenessProbe answers "is at least one participant up?". A nil error
// means ready.
type LivenessProbe interface {
	Check(ctx context.Context) error
	String() string
}

// ProcessTableProbe is ready when any running process's command line
// contains one of Patterns.
type ProcessTableProbe struct {
	Patterns []string
	procs    processTable
}

// NewProcessTableProbe matches against the live process table.
func NewProcessTableProbe(patterns []string) *ProcessTableProbe {
	return &ProcessTableProbe{Patterns: patterns, procs: newProcessTable()}
}

func (p *ProcessTableProbe) Check(ctx context.Context) error {
	if len(p.Patterns) == 0 {
		return errors.New("no process patterns")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	procs := p.procs
	if procs == nil {
		procs = newProcessTable()
	}
	lines, err := procs.commandLines()
	if err != nil {
		return err
	}
	for _, line := range lines {
		for _, pattern := range p.Patterns {
			if pattern != "" && strings.Contains(line, pattern) {
				return nil
			}
		}
	}
	return fmt.Errorf("no process matches %q", p.Patterns)
}

func (p *ProcessTableProbe) String() string {
	return "process-table" + fmt.Sprint(p.Patterns)
}

// PatternsFor returns the "<entrypoint basename> <role>" patterns of the
// launched module processes.
func PatternsFor(launched []LaunchedProcess) []string {
	out := make([]string, 0, len(launched))
	for _, proc := range launched {
		if proc.Role == "" || proc.Entrypoint == "" {
			continue
		}
		out = append(out, filepath.Base(proc.Entrypoint)+" "+string(proc.Role))
	}
	return out
}

// PortProbe is ready when a TCP connection to Addr succeeds.
type PortProbe struct {
	Addr    string
	Timeout time.Duration
}

func (p PortProbe) Check(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (p PortProbe) String() string { return "port[" + p.Addr + "]" }

// HTTPProbe is ready when URL answers with a 2xx status.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func (p HTTPProbe) Check(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: status %d", p.URL, resp.StatusCode)
	}
	return nil
}

func (p HTTPProbe) String() string { return "http[" + p.URL + "]" }

// AnyProbe is ready as soon as one of its probes is.
type AnyProbe []LivenessProbe

func (a AnyProbe) Check(ctx context.Context) error {
	if len(a) == 0 {
		return errors.New("no probes configured")
	}
	var errs []error
	for _, probe := range a {
		if probe == nil {
			continue
		}
		err := probe.Check(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", probe.String(), err))
	}
	if len(errs) == 0 {
		return errors.New("no probes configured")
	}
	return errors.Join(errs...)
}

func (a AnyProbe) String() string {
	parts := make([]string, 0, len(a))
	for _, probe := range a {
		if probe != nil {
			parts = append(parts, probe.String())
		}
	}
	return "any(" + strings.Join(parts, ",") + ")"
}
