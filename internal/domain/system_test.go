package domain

import (
	"testing"
	"time"
)

func TestSystemSnapshotBestDevice(t *testing.T) {
	tests := []struct {
		name    string
		devices []Device
		want    string
	}{
		{name: "no devices", want: NoDevice},
		{
			name: "lowest utilization wins",
			devices: []Device{
				{ID: "gpu0", Index: 0, UtilizationPercent: 70},
				{ID: "gpu1", Index: 1, UtilizationPercent: 30},
			},
			want: "gpu1",
		},
		{
			name: "tie goes to lowest index",
			devices: []Device{
				{ID: "gpu2", Index: 2, UtilizationPercent: 10},
				{ID: "gpu1", Index: 1, UtilizationPercent: 10},
			},
			want: "gpu1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := &SystemSnapshot{Devices: tt.devices}
			if got := snap.BestDevice(); got != tt.want {
				t.Errorf("BestDevice() = %q, want %q", got, tt.want)
			}
		})
	}

	var nilSnap *SystemSnapshot
	if got := nilSnap.BestDevice(); got != NoDevice {
		t.Errorf("nil BestDevice() = %q, want %q", got, NoDevice)
	}
}

func TestJobCloneIsIndependent(t *testing.T) {
	dev := "gpu0"
	j := NewJob(1, InputDescriptor{Model: "whisper-small"}, 1, time.Time{})
	j.DeviceID = &dev
	j.Warnings = []string{"w"}
	j.Result = &Result{Segments: []Segment{{Start: 0, End: 1, Text: "a"}}}

	c := j.Clone()
	*c.DeviceID = "gpu9"
	c.Warnings[0] = "changed"
	c.Result.Segments[0].Text = "b"

	if *j.DeviceID != "gpu0" || j.Warnings[0] != "w" || j.Result.Segments[0].Text != "a" {
		t.Fatalf("Clone() shares state with original: %+v", j)
	}
}

func TestJobStatusTerminal(t *testing.T) {
	for _, s := range []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled} {
		if !s.IsTerminal() || s.IsActive() {
			t.Errorf("%s: IsTerminal=%v IsActive=%v", s, s.IsTerminal(), s.IsActive())
		}
	}
	for _, s := range []JobStatus{JobStatusAdmitted, JobStatusRunning, JobStatusPostProcessing} {
		if s.IsTerminal() || !s.IsActive() {
			t.Errorf("%s: IsTerminal=%v IsActive=%v", s, s.IsTerminal(), s.IsActive())
		}
	}
	if JobStatusQueued.IsTerminal() || JobStatusQueued.IsActive() {
		t.Error("queued must be neither terminal nor active")
	}
}

func TestDeriveSettings(t *testing.T) {
	tests := []struct {
		name      string
		free      float64
		runtime   bool
		wantRT    bool
		wantPrec  string
		wantBatch int
	}{
		{name: "small card", free: 1500, runtime: true, wantRT: false, wantPrec: PrecisionFP32, wantBatch: 1},
		{name: "runtime threshold", free: 4000, runtime: true, wantRT: true, wantPrec: PrecisionFP32, wantBatch: 2},
		{name: "runtime flag off", free: 4000, runtime: false, wantRT: false, wantPrec: PrecisionFP32, wantBatch: 2},
		{name: "half precision threshold", free: 6000, runtime: true, wantRT: true, wantPrec: PrecisionFP16, wantBatch: 3},
		{name: "batch capped", free: 24000, runtime: true, wantRT: true, wantPrec: PrecisionFP16, wantBatch: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveSettings(Device{ID: "gpu0", MemoryFreeMB: tt.free}, FeatureFlags{AcceleratedRuntime: tt.runtime})
			if !got.UseGPU || got.DeviceID != "gpu0" {
				t.Errorf("device fields = %+v", got)
			}
			if got.UseAcceleratedRuntime != tt.wantRT || got.Precision != tt.wantPrec || got.BatchSize != tt.wantBatch {
				t.Errorf("DeriveSettings(%v) = %+v", tt.free, got)
			}
		})
	}

	cpu := CPUSettings()
	if cpu.UseGPU || cpu.Precision != PrecisionFP32 || cpu.BatchSize != 1 || cpu.DeviceID != NoDevice {
		t.Errorf("CPUSettings() = %+v", cpu)
	}
}
