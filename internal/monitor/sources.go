package monitor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kbukum/gokit/httpclient"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/orchids/transcription-service/internal/domain"
)

// TelemetrySource reports the accelerator devices visible to the host.
type TelemetrySource interface {
	Name() string
	Devices(ctx context.Context) ([]domain.Device, error)
}

// HostStats are host-level readings independent of accelerators.
type HostStats struct {
	CPUPercent float64
	RAMUsedGB  float64
	RAMTotalGB float64
}

type HostProbe interface {
	Host(ctx context.Context) (HostStats, error)
}

type FeatureProbe interface {
	Features(ctx context.Context) domain.FeatureFlags
}

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// DCGMSource scrapes a dcgm-exporter endpoint in Prometheus text format.
type DCGMSource struct {
	url    string
	client *httpclient.Adapter
	err    error
}

func NewDCGMSource(url string, timeout time.Duration) *DCGMSource {
	client, err := httpclient.New(httpclient.Config{Timeout: timeout})
	return &DCGMSource{url: url, client: client, err: err}
}

func (s *DCGMSource) Name() string { return "dcgm" }

func (s *DCGMSource) Devices(ctx context.Context) ([]domain.Device, error) {
	if s.err != nil {
		return nil, fmt.Errorf("dcgm client: %w", s.err)
	}
	resp, err := s.client.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: s.url})
	if err != nil {
		return nil, fmt.Errorf("scrape dcgm exporter: %w", err)
	}
	return parseDCGM(bytes.NewReader(resp.Body))
}

func parseDCGM(r io.Reader) ([]domain.Device, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("parse dcgm metrics: %w", err)
	}

	byIndex := make(map[int]*domain.Device)
	device := func(m *dto.Metric) *domain.Device {
		labels := make(map[string]string, len(m.GetLabel()))
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		idx, err := strconv.Atoi(labels["gpu"])
		if err != nil {
			return nil
		}
		d, ok := byIndex[idx]
		if !ok {
			d = &domain.Device{
				ID:            deviceID(idx),
				Index:         idx,
				Name:          labels["modelName"],
				DriverVersion: labels["DCGM_FI_DRIVER_VERSION"],
			}
			byIndex[idx] = d
		}
		return d
	}

	apply := func(name string, set func(d *domain.Device, v float64)) {
		fam, ok := families[name]
		if !ok {
			return
		}
		for _, m := range fam.GetMetric() {
			if d := device(m); d != nil {
				set(d, metricValue(m))
			}
		}
	}

	apply("DCGM_FI_DEV_GPU_UTIL", func(d *domain.Device, v float64) { d.UtilizationPercent = v })
	apply("DCGM_FI_DEV_FB_USED", func(d *domain.Device, v float64) { d.MemoryUsedMB = v })
	apply("DCGM_FI_DEV_FB_FREE", func(d *domain.Device, v float64) { d.MemoryFreeMB = v })
	apply("DCGM_FI_DEV_GPU_TEMP", func(d *domain.Device, v float64) { d.TemperatureC = v })
	apply("DCGM_FI_DEV_POWER_USAGE", func(d *domain.Device, v float64) { d.PowerDrawW = v })

	if len(byIndex) == 0 {
		return nil, fmt.Errorf("dcgm exporter reported no devices")
	}

	devices := make([]domain.Device, 0, len(byIndex))
	for _, d := range byIndex {
		d.MemoryTotalMB = d.MemoryUsedMB + d.MemoryFreeMB
		devices = append(devices, *d)
	}
	sortDevices(devices)
	return devices, nil
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.Gauge != nil:
		return m.GetGauge().GetValue()
	case m.Counter != nil:
		return m.GetCounter().GetValue()
	case m.Untyped != nil:
		return m.GetUntyped().GetValue()
	}
	return 0
}

var nvidiaSMIQuery = []string{
	"--query-gpu=index,name,utilization.gpu,memory.used,memory.total,temperature.gpu,power.draw,driver_version",
	"--format=csv,noheader,nounits",
}

// NvidiaSMISource shells out to nvidia-smi.
type NvidiaSMISource struct {
	path string
	run  commandRunner
}

func NewNvidiaSMISource(path string) *NvidiaSMISource {
	if path == "" {
		path = "nvidia-smi"
	}
	return &NvidiaSMISource{path: path, run: execRunner}
}

func (s *NvidiaSMISource) Name() string { return "nvidia-smi" }

func (s *NvidiaSMISource) Devices(ctx context.Context) ([]domain.Device, error) {
	out, err := s.run(ctx, s.path, nvidiaSMIQuery...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("nvidia-smi timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("nvidia-smi execution failed: %w", err)
	}
	return parseNvidiaSMI(string(out))
}

func parseNvidiaSMI(out string) ([]domain.Device, error) {
	var devices []domain.Device
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 8 {
			return nil, fmt.Errorf("unexpected nvidia-smi line: %q", line)
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("invalid gpu index %q: %w", fields[0], err)
		}
		used := smiFloat(fields[3])
		total := smiFloat(fields[4])
		devices = append(devices, domain.Device{
			ID:                 deviceID(idx),
			Index:              idx,
			Name:               fields[1],
			UtilizationPercent: smiFloat(fields[2]),
			MemoryUsedMB:       used,
			MemoryTotalMB:      total,
			MemoryFreeMB:       max(total-used, 0),
			TemperatureC:       smiFloat(fields[5]),
			PowerDrawW:         smiFloat(fields[6]),
			DriverVersion:      fields[7],
		})
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("nvidia-smi reported no devices")
	}
	sortDevices(devices)
	return devices, nil
}

// smiFloat treats "[Not Supported]" and "[N/A]" readings as zero.
func smiFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func deviceID(idx int) string {
	return "gpu" + strconv.Itoa(idx)
}

func sortDevices(devices []domain.Device) {
	sort.Slice(devices, func(i, j int) bool { return devices[i].Index < devices[j].Index })
}

type gopsutilHost struct{}

// NewHostProbe reads CPU and RAM through gopsutil.
func NewHostProbe() HostProbe { return gopsutilHost{} }

func (gopsutilHost) Host(ctx context.Context) (HostStats, error) {
	var stats HostStats

	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return stats, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	if len(cpuPercent) > 0 {
		stats.CPUPercent = cpuPercent[0]
	}

	memStats, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to get memory stats: %w", err)
	}
	const gb = 1 << 30
	stats.RAMUsedGB = float64(memStats.Used) / gb
	stats.RAMTotalGB = float64(memStats.Total) / gb

	return stats, nil
}

var cudaReleaseRe = regexp.MustCompile(`release (\d+\.\d+)`)

// RuntimeProbe detects the accelerated inference runtime and CUDA toolkit once.
type RuntimeProbe struct {
	runtimeBinary string
	override      *bool
	run           commandRunner
	lookPath      func(string) (string, error)

	once     sync.Once
	features domain.FeatureFlags
}

// NewRuntimeProbe looks for runtimeBinary on PATH unless override is set.
func NewRuntimeProbe(runtimeBinary string, override *bool) *RuntimeProbe {
	return &RuntimeProbe{
		runtimeBinary: runtimeBinary,
		override:      override,
		run:           execRunner,
		lookPath:      exec.LookPath,
	}
}

func (p *RuntimeProbe) Features(ctx context.Context) domain.FeatureFlags {
	p.once.Do(func() {
		if p.override != nil {
			p.features.AcceleratedRuntime = *p.override
		} else if p.runtimeBinary != "" {
			_, err := p.lookPath(p.runtimeBinary)
			p.features.AcceleratedRuntime = err == nil
		}

		out, err := p.run(ctx, "nvcc", "--version")
		if err == nil {
			if m := cudaReleaseRe.FindStringSubmatch(string(out)); len(m) == 2 {
				p.features.CUDAVersion = m[1]
			}
		}
	})
	return p.features
}
