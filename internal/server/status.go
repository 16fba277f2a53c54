package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/gaspardpetit/stdiobridge/internal/notify"
)

var startTime = time.Now()

// Version metadata, set from main at startup.
var (
	Version   = "dev"
	BuildSHA  = "unknown"
	BuildDate = "unknown"
)

type hostStatus struct {
	MemTotalBytes  uint64  `json:"mem_total_bytes"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	CPUPercent     float64 `json:"cpu_percent"`
}

type bridgeStatus struct {
	Running       bool        `json:"running"`
	PID           int         `json:"pid"`
	Pending       int         `json:"pending"`
	Observers     int         `json:"observers"`
	UptimeSeconds float64     `json:"uptime_seconds"`
	Version       string      `json:"version"`
	BuildSHA      string      `json:"build_sha"`
	BuildDate     string      `json:"build_date"`
	Host          *hostStatus `json:"host,omitempty"`
}

// statusHandler reports bridge and host state for operators.
func statusHandler(br Bridge, events *notify.Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		st := bridgeStatus{
			Running:       br.Running(),
			PID:           br.PID(),
			Pending:       br.Pending(),
			Observers:     events.Subscribers(),
			UptimeSeconds: time.Since(startTime).Seconds(),
			Version:       Version,
			BuildSHA:      BuildSHA,
			BuildDate:     BuildDate,
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			h := &hostStatus{MemTotalBytes: vm.Total, MemUsedPercent: vm.UsedPercent}
			if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
				h.CPUPercent = pct[0]
			}
			st.Host = h
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	}
}
