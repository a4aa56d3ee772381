//go:build !linux

package supervisor

import (
	"errors"
	"syscall"
)

const (
	sigTerm = syscall.SIGTERM
	sigKill = syscall.SIGKILL
)

var errUnsupported = errors.New("supervisor: process control requires linux")

func detachedAttr() *syscall.SysProcAttr { return nil }

func signalProcess(int, syscall.Signal) error { return errUnsupported }

func signalPID(int, syscall.Signal) error { return errUnsupported }

type unsupportedTable struct{}

func newProcessTable() processTable { return unsupportedTable{} }

func (unsupportedTable) supported() error { return errUnsupported }

func (unsupportedTable) commandLines() ([]string, error) { return nil, errUnsupported }

func (unsupportedTable) cmdline(int) ([]string, error) { return nil, errUnsupported }

func (unsupportedTable) alive(int) bool { return false }

func (unsupportedTable) listeners(int) ([]int, error) { return nil, errUnsupported }
