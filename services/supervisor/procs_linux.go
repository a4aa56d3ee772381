//go:build linux

package supervisor

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

const (
	sigTerm = unix.SIGTERM
	sigKill = unix.SIGKILL

	tcpListen = 0x0A
)

func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// signalProcess signals the process group led by pid, falling back to the
// single process when there is no such group.
func signalProcess(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	return unix.Kill(pid, sig)
}

func signalPID(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	return unix.Kill(pid, sig)
}

type procfsTable struct {
	mount string
}

func newProcessTable() processTable {
	return procfsTable{mount: procfs.DefaultMountPoint}
}

func (t procfsTable) fs() (procfs.FS, error) {
	fs, err := procfs.NewFS(t.mount)
	if err != nil {
		return procfs.FS{}, fmt.Errorf("open procfs: %w", err)
	}
	return fs, nil
}

func (t procfsTable) commandLines() ([]string, error) {
	fs, err := t.fs()
	if err != nil {
		return nil, err
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	self := os.Getpid()
	lines := make([]string, 0, len(procs))
	for _, p := range procs {
		if p.PID == self {
			continue
		}
		args, err := p.CmdLine()
		if err != nil || len(args) == 0 {
			continue
		}
		if stat, err := p.Stat(); err == nil && isDead(stat.State) {
			continue
		}
		lines = append(lines, strings.Join(args, " "))
	}
	return lines, nil
}

func (procfsTable) supported() error { return nil }

func (t procfsTable) cmdline(pid int) ([]string, error) {
	fs, err := t.fs()
	if err != nil {
		return nil, err
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		return nil, err
	}
	return proc.CmdLine()
}

func (t procfsTable) alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	fs, err := t.fs()
	if err != nil {
		return true
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		return false
	}
	stat, err := proc.Stat()
	if err != nil {
		return !errors.Is(err, os.ErrNotExist)
	}
	return !isDead(stat.State)
}

// listeners returns the PIDs holding a listening TCP or TCP6 socket on port.
func (t procfsTable) listeners(port int) ([]int, error) {
	if port <= 0 {
		return nil, nil
	}
	fs, err := t.fs()
	if err != nil {
		return nil, err
	}

	inodes := map[string]struct{}{}
	tcp4, err4 := fs.NetTCP()
	for _, line := range tcp4 {
		if line.St == tcpListen && line.LocalPort == uint64(port) {
			inodes["socket:["+strconv.FormatUint(line.Inode, 10)+"]"] = struct{}{}
		}
	}
	tcp6, err6 := fs.NetTCP6()
	for _, line := range tcp6 {
		if line.St == tcpListen && line.LocalPort == uint64(port) {
			inodes["socket:["+strconv.FormatUint(line.Inode, 10)+"]"] = struct{}{}
		}
	}
	if err4 != nil && err6 != nil {
		return nil, fmt.Errorf("read tcp tables: %w", errors.Join(err4, err6))
	}
	if len(inodes) == 0 {
		return nil, nil
	}

	procs, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	self := os.Getpid()
	var pids []int
	for _, p := range procs {
		if p.PID == self {
			continue
		}
		targets, err := p.FileDescriptorTargets()
		if err != nil {
			continue
		}
		for _, target := range targets {
			if _, ok := inodes[target]; ok {
				pids = append(pids, p.PID)
				break
			}
		}
	}
	return pids, nil
}

func isDead(state string) bool {
	return state == "Z" || state == "X"
}
