package worker

import (
	"os"
	"strconv"

	"github.com/pkg/errors"

	"waves.computer/waves/common"
	"waves.computer/waves/ipc"
	"waves.computer/waves/pkg/thunks"
)

// IsWorker reports whether this process was started by the supervisor.
func IsWorker() bool {
	_, ok := thunks.LookupEnv(common.EnvWorkerChannel)
	return ok
}

// ChannelFromEnv opens the supervisor channel whose descriptor number is in
// WAVES_WORKER_CHANNEL.
func ChannelFromEnv() (*ipc.Channel, error) {
	v, ok := thunks.LookupEnv(common.EnvWorkerChannel)
	if !ok {
		return nil, errors.Errorf("%s is not set", common.EnvWorkerChannel)
	}
	fd, err := strconv.Atoi(v)
	if err != nil || fd < 0 {
		return nil, errors.Errorf("invalid %s=%q", common.EnvWorkerChannel, v)
	}
	return ipc.FromFile(os.NewFile(uintptr(fd), "supervisor-channel"))
}
