package gpu

import "github.com/nmxmxh/inos_gpu/kernel/utils"

// DeviceState is the lifecycle state of a device.
type DeviceState int32

const (
	StateUninitialized DeviceState = iota
	StateWaitingForFirmware
	StateRunning
	StateStopped
)

var stateNames = map[DeviceState]string{
	StateUninitialized:      "UNINITIALIZED",
	StateWaitingForFirmware: "WAITING_FOR_FIRMWARE",
	StateRunning:            "RUNNING",
	StateStopped:            "STOPPED",
}

func (s DeviceState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// State returns the current lifecycle state.
func (d *Device) State() DeviceState {
	return DeviceState(d.state.Load())
}

func (d *Device) transitionState(from, to DeviceState) bool {
	if d.state.CompareAndSwap(int32(from), int32(to)) {
		d.logger.Info("state transition",
			utils.String("from", from.String()),
			utils.String("to", to.String()))
		return true
	}
	return false
}
