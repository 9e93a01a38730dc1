package domain

import "time"

// NoDevice is the sentinel device id returned when no accelerator is present.
const NoDevice = "none"

type Device struct {
	ID                         string  `json:"id"`
	Index                      int     `json:"index"`
	Name                       string  `json:"name"`
	UtilizationPercent         float64 `json:"utilization_percent"`
	MemoryTotalMB              float64 `json:"memory_total_mb"`
	MemoryUsedMB               float64 `json:"memory_used_mb"`
	MemoryFreeMB               float64 `json:"memory_free_mb"`
	TemperatureC               float64 `json:"temperature_c"`
	PowerDrawW                 float64 `json:"power_draw_w"`
	DriverVersion              string  `json:"driver_version,omitempty"`
	AcceleratedRuntimeEligible bool    `json:"accelerated_runtime_eligible"`
}

type FeatureFlags struct {
	AcceleratedRuntime bool   `json:"accelerated_runtime"`
	CUDAVersion        string `json:"cuda_version,omitempty"`
}

// SystemSnapshot is immutable once published by the monitor.
type SystemSnapshot struct {
	Timestamp  time.Time    `json:"timestamp"`
	Devices    []Device     `json:"devices"`
	CPUPercent float64      `json:"cpu_percent"`
	RAMUsedGB  float64      `json:"ram_used_gb"`
	RAMTotalGB float64      `json:"ram_total_gb"`
	QueueDepth int          `json:"queue_depth"`
	ActiveJobs int          `json:"active_jobs"`
	Features   FeatureFlags `json:"features"`
	Source     string       `json:"source"`
}

// BestDevice returns the id of the least utilized device, ties broken by
// lowest index, or NoDevice when the snapshot has no devices.
func (s *SystemSnapshot) BestDevice() string {
	if s == nil || len(s.Devices) == 0 {
		return NoDevice
	}
	best := s.Devices[0]
	for _, d := range s.Devices[1:] {
		if d.UtilizationPercent < best.UtilizationPercent ||
			(d.UtilizationPercent == best.UtilizationPercent && d.Index < best.Index) {
			best = d
		}
	}
	return best.ID
}

func (s *SystemSnapshot) Device(id string) (Device, bool) {
	if s == nil {
		return Device{}, false
	}
	for _, d := range s.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

// Settings are the inference parameters derived from the best device.
type Settings struct {
	UseGPU                bool    `json:"use_gpu"`
	DeviceID              string  `json:"device_id"`
	UseAcceleratedRuntime bool    `json:"use_accelerated_runtime"`
	Precision             string  `json:"precision"`
	BatchSize             int     `json:"batch_size"`
	MemoryAvailableMB     float64 `json:"memory_available_mb"`
}

const (
	PrecisionFP16 = "fp16"
	PrecisionFP32 = "fp32"
)

type QueueStatus struct {
	QueueLength    int `json:"queue_length"`
	ActiveCount    int `json:"active_jobs"`
	CompletedCount int `json:"completed_jobs"`
	FailedCount    int `json:"failed_jobs"`
	CancelledCount int `json:"cancelled_jobs"`
	MaxConcurrent  int `json:"max_concurrent"`
}

const (
	acceleratedRuntimeMinFreeMB = 4000
	halfPrecisionMinFreeMB      = 6000
	memoryPerBatchMB            = 2000
	maxBatchSize                = 4
)

// CPUSettings is used when no accelerator is available.
func CPUSettings() Settings {
	return Settings{
		UseGPU:    false,
		DeviceID:  NoDevice,
		Precision: PrecisionFP32,
		BatchSize: 1,
	}
}

// DeriveSettings maps a device's free memory to inference parameters.
func DeriveSettings(dev Device, features FeatureFlags) Settings {
	free := dev.MemoryFreeMB
	s := Settings{
		UseGPU:                true,
		DeviceID:              dev.ID,
		UseAcceleratedRuntime: features.AcceleratedRuntime && free >= acceleratedRuntimeMinFreeMB,
		Precision:             PrecisionFP32,
		BatchSize:             min(maxBatchSize, max(1, int(free/memoryPerBatchMB))),
		MemoryAvailableMB:     free,
	}
	if free >= halfPrecisionMinFreeMB {
		s.Precision = PrecisionFP16
	}
	return s
}
