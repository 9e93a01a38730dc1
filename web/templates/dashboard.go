// Package templates holds the server-rendered pages.
package templates

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/a-h/templ"

	"github.com/orchids/transcription-service/internal/domain"
)

type DashboardData struct {
	Queue    domain.QueueStatus
	Snapshot *domain.SystemSnapshot
	Models   []domain.ModelSpec
	Jobs     []domain.Job
}

// Dashboard renders the operator overview. Live values are refreshed by the
// page script over /ws.
func Dashboard(data DashboardData) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var b strings.Builder
		b.WriteString(`<!DOCTYPE html><html lang="en"><head><meta charset="utf-8"><title>Transcription Service</title>`)
		b.WriteString(`<style>body{font-family:sans-serif;margin:2rem}table{border-collapse:collapse;margin-bottom:1.5rem}td,th{border:1px solid #ccc;padding:.3rem .6rem;text-align:left}</style></head><body>`)
		b.WriteString(`<h1>Transcription Service</h1>`)

		q := data.Queue
		fmt.Fprintf(&b, `<h2>Queue</h2><table id="queue"><tr><th>Queued</th><th>Active</th><th>Completed</th><th>Failed</th><th>Cancelled</th><th>Max concurrent</th></tr>`+
			`<tr><td id="q-len">%d</td><td id="q-active">%d</td><td id="q-done">%d</td><td id="q-failed">%d</td><td id="q-cancelled">%d</td><td>%d</td></tr></table>`,
			q.QueueLength, q.ActiveCount, q.CompletedCount, q.FailedCount, q.CancelledCount, q.MaxConcurrent)

		b.WriteString(`<h2>Devices</h2><table id="devices"><tr><th>ID</th><th>Name</th><th>Utilization</th><th>Free memory (MB)</th><th>Temperature</th></tr>`)
		if data.Snapshot == nil || len(data.Snapshot.Devices) == 0 {
			b.WriteString(`<tr><td colspan="5">No accelerator detected</td></tr>`)
		} else {
			for _, d := range data.Snapshot.Devices {
				fmt.Fprintf(&b, `<tr><td>%s</td><td>%s</td><td>%.0f%%</td><td>%.0f</td><td>%.0f°C</td></tr>`,
					templ.EscapeString(d.ID), templ.EscapeString(d.Name), d.UtilizationPercent, d.MemoryFreeMB, d.TemperatureC)
			}
		}
		b.WriteString(`</table>`)

		b.WriteString(`<h2>Models</h2><table><tr><th>Name</th><th>Memory (MB)</th><th>Languages</th></tr>`)
		for _, m := range data.Models {
			fmt.Fprintf(&b, `<tr><td title="%s">%s</td><td>%.0f</td><td>%s</td></tr>`,
				templ.EscapeString(m.Description), templ.EscapeString(m.DisplayName), m.RequiredMemoryMB,
				templ.EscapeString(strings.Join(m.SupportedLanguages, ", ")))
		}
		b.WriteString(`</table>`)

		b.WriteString(`<h2>Recent jobs</h2><table><tr><th>ID</th><th>File</th><th>Model</th><th>Status</th><th>Progress</th><th>Stage</th></tr>`)
		if len(data.Jobs) == 0 {
			b.WriteString(`<tr><td colspan="6">No jobs yet</td></tr>`)
		}
		for _, j := range data.Jobs {
			fmt.Fprintf(&b, `<tr><td>%d</td><td>%s</td><td>%s</td><td>%s</td><td>%.0f%%</td><td>%s</td></tr>`,
				j.ID, templ.EscapeString(j.Input.OriginalFilename), templ.EscapeString(j.Input.Model),
				templ.EscapeString(string(j.Status)), j.Progress, templ.EscapeString(j.Stage))
		}
		b.WriteString(`</table>`)

		b.WriteString(dashboardScript)
		b.WriteString(`</body></html>`)

		_, err := io.WriteString(w, b.String())
		return err
	})
}

const dashboardScript = `<script>
(function () {
  var proto = location.protocol === "https:" ? "wss://" : "ws://";
  var ws = new WebSocket(proto + location.host + "/ws");
  ws.onopen = function () {
    ws.send(JSON.stringify({type: "subscribe_metrics"}));
    setInterval(function () { ws.send(JSON.stringify({type: "ping"})); }, 15000);
  };
  ws.onmessage = function (e) {
    var msg = JSON.parse(e.data);
    if (msg.type !== "system_metrics" || !msg.data.queue) return;
    var q = msg.data.queue;
    document.getElementById("q-len").textContent = q.queue_length;
    document.getElementById("q-active").textContent = q.active_jobs;
    document.getElementById("q-done").textContent = q.completed_jobs;
    document.getElementById("q-failed").textContent = q.failed_jobs;
    document.getElementById("q-cancelled").textContent = q.cancelled_jobs;
  };
})();
</script>`
