package sysinfo

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/netwatch/agent/internal/events"
)

// Process is one entry of a process table snapshot.
type Process struct {
	PID  int32
	Name string
}

// Snapshot lists the names of every live process. Processes that exit while
// being read are skipped.
func (p *Provider) Snapshot(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	out := make([]Process, 0, len(procs))
	for _, proc := range procs {
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			continue
		}
		out = append(out, Process{PID: proc.Pid, Name: name})
	}
	return out, nil
}

// Terminate kills pid.
func (p *Provider) Terminate(ctx context.Context, pid int32) error {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return fmt.Errorf("process %d: %w", pid, err)
	}
	if err := proc.KillWithContext(ctx); err != nil {
		return fmt.Errorf("killing %d: %w", pid, err)
	}
	return nil
}

// List returns the detailed process list sent to the server. Fields that
// cannot be read (permissions, races with exit) are left empty.
func (p *Provider) List(ctx context.Context) ([]events.ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	out := make([]events.ProcessInfo, 0, len(procs))
	for _, proc := range procs {
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			continue
		}
		info := events.ProcessInfo{ProcessName: name, ProcessID: proc.Pid}
		info.Path, _ = proc.ExeWithContext(ctx)
		info.CPUUsage, _ = proc.CPUPercentWithContext(ctx)
		if mi, err := proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			info.MemoryUsage = mi.RSS
		}
		info.Username, _ = proc.UsernameWithContext(ctx)
		if ct, err := proc.CreateTimeWithContext(ctx); err == nil && ct > 0 {
			info.StartedAt = &ct
		}
		out = append(out, info)
	}
	return out, nil
}
