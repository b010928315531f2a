//go:build linux

package main

import (
	"time"

	"github.com/matst80/vpnd/internal/master"
)

// Stats represents current server stats for the state API.
type Stats struct {
	Active      int      `json:"active_clients"`
	Records     int      `json:"records"`
	Listeners   []string `json:"listeners"`
	LeasesInUse int      `json:"leases_in_use"`
	Uptime      string   `json:"uptime"`
	Ready       bool     `json:"ready"`
	Closing     bool     `json:"closing"`
	Now         string   `json:"now"`
}

func collectStats(st *master.Stats, now time.Time) Stats {
	out := Stats{Now: now.UTC().Format(time.RFC3339), Listeners: []string{}}
	if st == nil {
		return out
	}
	out.Active = st.Active
	out.Records = st.Records
	if st.Listeners != nil {
		out.Listeners = st.Listeners
	}
	out.LeasesInUse = st.LeasesInUse
	out.Uptime = now.Sub(st.Started).Round(time.Second).String()
	out.Ready = st.Ready
	out.Closing = st.Closing
	return out
}
