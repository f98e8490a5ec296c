//go:build !freebsd

// Package rlimit raises the open-files limit at daemon startup. The
// leveldb-backed store opens many files; a default soft limit of 256
// (macOS) or 1024 is too tight once the chain grows.
package rlimit

import (
	"fmt"
	"log"
	"syscall"
)

func SetRLimit(required uint64) error {
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return err
	}
	if rLimit.Cur < required {
		log.Printf("Raising open files rlimit from %d to %d.", rLimit.Cur, required)
		rLimit.Cur = required
		if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
			return err
		}
		if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
			return err
		}
		if rLimit.Cur < required {
			return fmt.Errorf("could not raise open files rlimit to %d", required)
		}
	}
	return nil
}
