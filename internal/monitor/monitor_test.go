package monitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orchids/transcription-service/internal/domain"
	"github.com/orchids/transcription-service/pkg/logger"
)

type fakeSource struct {
	name    string
	devices []domain.Device
	err     error
	calls   atomic.Int32
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Devices(context.Context) ([]domain.Device, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return append([]domain.Device(nil), f.devices...), nil
}

type fakeHost struct{ stats HostStats }

func (f fakeHost) Host(context.Context) (HostStats, error) { return f.stats, nil }

type fakeFeatures struct{ flags domain.FeatureFlags }

func (f fakeFeatures) Features(context.Context) domain.FeatureFlags { return f.flags }

func newTestMonitor(opts ...Option) *Monitor {
	base := []Option{WithHostProbe(fakeHost{stats: HostStats{CPUPercent: 12.5, RAMUsedGB: 3, RAMTotalGB: 16}})}
	return New(Config{Interval: 10 * time.Millisecond, HistorySize: 3, SampleTimeout: time.Second}, logger.Nop(), append(base, opts...)...)
}

func TestSampleUsesPrimarySource(t *testing.T) {
	primary := &fakeSource{name: "dcgm", devices: []domain.Device{{ID: "gpu0", MemoryFreeMB: 8000}}}
	secondary := &fakeSource{name: "nvidia-smi"}
	m := newTestMonitor(WithPrimarySource(primary), WithSecondarySource(secondary),
		WithFeatureProbe(fakeFeatures{flags: domain.FeatureFlags{AcceleratedRuntime: true, CUDAVersion: "12.4"}}))

	snap := m.Sample(context.Background())
	if snap.Source != "dcgm" || len(snap.Devices) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if secondary.calls.Load() != 0 {
		t.Error("secondary source queried although primary succeeded")
	}
	if !snap.Features.AcceleratedRuntime || snap.Features.CUDAVersion != "12.4" {
		t.Errorf("features = %+v", snap.Features)
	}
	if !snap.Devices[0].AcceleratedRuntimeEligible {
		t.Error("device with 8000MB free should be runtime eligible")
	}
	if snap.CPUPercent != 12.5 || snap.RAMTotalGB != 16 {
		t.Errorf("host fields = %+v", snap)
	}
}

func TestSampleFallsBackToSecondary(t *testing.T) {
	primary := &fakeSource{name: "dcgm", err: errors.New("connection refused")}
	secondary := &fakeSource{name: "nvidia-smi", devices: []domain.Device{{ID: "gpu0"}}}
	m := newTestMonitor(WithPrimarySource(primary), WithSecondarySource(secondary))

	snap := m.Sample(context.Background())
	if snap.Source != "nvidia-smi" || len(snap.Devices) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestSampleDegradesWhenAllSourcesFail(t *testing.T) {
	m := newTestMonitor(
		WithPrimarySource(&fakeSource{name: "dcgm", err: errors.New("down")}),
		WithSecondarySource(&fakeSource{name: "nvidia-smi", err: errors.New("not found")}),
		WithFeatureProbe(fakeFeatures{flags: domain.FeatureFlags{AcceleratedRuntime: true}}),
	)

	snap := m.Sample(context.Background())
	if snap == nil {
		t.Fatal("Sample() returned nil")
	}
	if len(snap.Devices) != 0 || snap.Features.AcceleratedRuntime {
		t.Fatalf("degraded snapshot = %+v", snap)
	}
	if got := m.BestDevice(); got != domain.NoDevice {
		t.Errorf("BestDevice() = %q, want none", got)
	}
	if got := m.OptimalSettings(); got != domain.CPUSettings() {
		t.Errorf("OptimalSettings() = %+v", got)
	}
}

func TestBestDeviceAndOptimalSettings(t *testing.T) {
	src := &fakeSource{name: "dcgm", devices: []domain.Device{
		{ID: "gpu0", Index: 0, UtilizationPercent: 70, MemoryFreeMB: 2000},
		{ID: "gpu1", Index: 1, UtilizationPercent: 30, MemoryFreeMB: 6500},
	}}
	m := newTestMonitor(WithPrimarySource(src), WithFeatureProbe(fakeFeatures{flags: domain.FeatureFlags{AcceleratedRuntime: true}}))

	if got := m.BestDevice(); got != domain.NoDevice {
		t.Errorf("BestDevice() before first sample = %q", got)
	}
	m.Sample(context.Background())

	if got := m.BestDevice(); got != "gpu1" {
		t.Fatalf("BestDevice() = %q, want gpu1", got)
	}
	s := m.OptimalSettings()
	if !s.UseGPU || s.DeviceID != "gpu1" || !s.UseAcceleratedRuntime || s.Precision != domain.PrecisionFP16 || s.BatchSize != 3 {
		t.Errorf("OptimalSettings() = %+v", s)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	m := newTestMonitor()
	for i := 0; i < 5; i++ {
		m.Sample(context.Background())
	}
	h := m.History(0)
	if len(h) != 3 {
		t.Fatalf("len(History) = %d, want 3", len(h))
	}
	if h[2] != m.Latest() {
		t.Error("last history entry is not the latest snapshot")
	}
	if got := m.History(2); len(got) != 2 || got[1] != m.Latest() {
		t.Errorf("History(2) = %v", got)
	}
}

func TestSnapshotIncludesQueueView(t *testing.T) {
	m := newTestMonitor()
	m.SetQueueReporter(func() (int, int) { return 4, 2 })
	snap := m.Sample(context.Background())
	if snap.QueueDepth != 4 || snap.ActiveJobs != 2 {
		t.Errorf("queue fields = %d/%d, want 4/2", snap.QueueDepth, snap.ActiveJobs)
	}
}

func TestStartStop(t *testing.T) {
	src := &fakeSource{name: "dcgm", devices: []domain.Device{{ID: "gpu0"}}}
	m := newTestMonitor(WithPrimarySource(src))

	m.Start(context.Background())
	m.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for src.calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d samples taken", src.calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()

	after := src.calls.Load()
	time.Sleep(40 * time.Millisecond)
	if src.calls.Load() != after {
		t.Error("sampling continued after Stop")
	}
	m.Stop()
}

func TestParseNvidiaSMI(t *testing.T) {
	out := "1, NVIDIA A10, 55, 1000, 24000, 60, [Not Supported], 550.54\n" +
		"0, NVIDIA A10, 5, 3000, 24000, 48, 71.2, 550.54\n"

	devices, err := parseNvidiaSMI(out)
	if err != nil {
		t.Fatalf("parseNvidiaSMI() error = %v", err)
	}
	if len(devices) != 2 || devices[0].ID != "gpu0" || devices[1].ID != "gpu1" {
		t.Fatalf("devices = %+v", devices)
	}
	if devices[0].MemoryFreeMB != 21000 || devices[0].PowerDrawW != 71.2 {
		t.Errorf("gpu0 = %+v", devices[0])
	}
	if devices[1].PowerDrawW != 0 {
		t.Errorf("unsupported power should read as 0, got %v", devices[1].PowerDrawW)
	}

	if _, err := parseNvidiaSMI("garbage"); err == nil {
		t.Error("expected error for malformed output")
	}
	if _, err := parseNvidiaSMI(""); err == nil {
		t.Error("expected error for empty output")
	}
}

func TestNvidiaSMISourceUsesRunner(t *testing.T) {
	s := NewNvidiaSMISource("")
	s.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		if name != "nvidia-smi" || !strings.HasPrefix(args[0], "--query-gpu=index,name") {
			t.Errorf("unexpected command %s %v", name, args)
		}
		return []byte("0, T4, 10, 100, 15000, 40, 20, 535.1\n"), nil
	}
	devices, err := s.Devices(context.Background())
	if err != nil || len(devices) != 1 || devices[0].MemoryFreeMB != 14900 {
		t.Fatalf("Devices() = %+v, %v", devices, err)
	}
}

const dcgmSample = `# HELP DCGM_FI_DEV_GPU_UTIL GPU utilization (in %).
# TYPE DCGM_FI_DEV_GPU_UTIL gauge
DCGM_FI_DEV_GPU_UTIL{gpu="0",UUID="GPU-a",device="nvidia0",modelName="NVIDIA L4",Hostname="h"} 42
DCGM_FI_DEV_GPU_UTIL{gpu="1",UUID="GPU-b",device="nvidia1",modelName="NVIDIA L4",Hostname="h"} 7
# HELP DCGM_FI_DEV_FB_FREE Framebuffer memory free (in MiB).
# TYPE DCGM_FI_DEV_FB_FREE gauge
DCGM_FI_DEV_FB_FREE{gpu="0",UUID="GPU-a",device="nvidia0",modelName="NVIDIA L4",Hostname="h"} 20000
DCGM_FI_DEV_FB_FREE{gpu="1",UUID="GPU-b",device="nvidia1",modelName="NVIDIA L4",Hostname="h"} 3000
# HELP DCGM_FI_DEV_FB_USED Framebuffer memory used (in MiB).
# TYPE DCGM_FI_DEV_FB_USED gauge
DCGM_FI_DEV_FB_USED{gpu="0",UUID="GPU-a",device="nvidia0",modelName="NVIDIA L4",Hostname="h"} 2528
DCGM_FI_DEV_FB_USED{gpu="1",UUID="GPU-b",device="nvidia1",modelName="NVIDIA L4",Hostname="h"} 19528
# HELP DCGM_FI_DEV_GPU_TEMP GPU temperature (in C).
# TYPE DCGM_FI_DEV_GPU_TEMP gauge
DCGM_FI_DEV_GPU_TEMP{gpu="0",UUID="GPU-a",device="nvidia0",modelName="NVIDIA L4",Hostname="h"} 51
`

func TestDCGMSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(dcgmSample))
	}))
	defer srv.Close()

	devices, err := NewDCGMSource(srv.URL, time.Second).Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices() error = %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("len(devices) = %d, want 2", len(devices))
	}
	d0 := devices[0]
	if d0.ID != "gpu0" || d0.Name != "NVIDIA L4" || d0.UtilizationPercent != 42 || d0.MemoryFreeMB != 20000 || d0.MemoryTotalMB != 22528 || d0.TemperatureC != 51 {
		t.Errorf("gpu0 = %+v", d0)
	}
	if devices[1].UtilizationPercent != 7 {
		t.Errorf("gpu1 = %+v", devices[1])
	}
}

func TestDCGMSourceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewDCGMSource(srv.URL, time.Second).Devices(context.Background()); err == nil {
		t.Error("expected error on non-200")
	}
	if _, err := parseDCGM(strings.NewReader("# nothing here\n")); err == nil {
		t.Error("expected error when no devices reported")
	}
}

func TestRuntimeProbe(t *testing.T) {
	p := NewRuntimeProbe("trtexec", nil)
	p.lookPath = func(string) (string, error) { return "/usr/bin/trtexec", nil }
	var nvccCalls int
	p.run = func(context.Context, string, ...string) ([]byte, error) {
		nvccCalls++
		return []byte("Cuda compilation tools, release 12.4, V12.4.131"), nil
	}

	for i := 0; i < 2; i++ {
		f := p.Features(context.Background())
		if !f.AcceleratedRuntime || f.CUDAVersion != "12.4" {
			t.Fatalf("Features() = %+v", f)
		}
	}
	if nvccCalls != 1 {
		t.Errorf("nvcc invoked %d times, want 1", nvccCalls)
	}
}

func TestRuntimeProbeOverride(t *testing.T) {
	off := false
	p := NewRuntimeProbe("trtexec", &off)
	p.lookPath = func(string) (string, error) {
		t.Error("lookPath called despite override")
		return "/usr/bin/trtexec", nil
	}
	p.run = func(context.Context, string, ...string) ([]byte, error) { return nil, errors.New("no nvcc") }

	if f := p.Features(context.Background()); f.AcceleratedRuntime || f.CUDAVersion != "" {
		t.Errorf("Features() = %+v", f)
	}
}
