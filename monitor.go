//go:build linux

package dynlistener

import (
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// RaiseFileLimit lifts the soft limit of open files towards target, capped
// by the hard limit. It returns the soft limit in effect afterwards.
func RaiseFileLimit(target uint64, logger zerolog.Logger) (uint64, error) {
	limit := &unix.Rlimit{}
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, limit); err != nil {
		return 0, os.NewSyscallError("getrlimit", err)
	}
	if target == 0 || limit.Cur >= target {
		return limit.Cur, nil
	}
	wanted := target
	if wanted > limit.Max {
		logger.Warn().Msgf("open files target %d is above the hard limit %d", target, limit.Max)
		wanted = limit.Max
	}
	err := unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: wanted, Max: limit.Max})
	if err != nil {
		return limit.Cur, os.NewSyscallError("setrlimit", err)
	}
	logger.Info().Msgf("open files limit raised from %d to %d", limit.Cur, wanted)
	return wanted, nil
}
