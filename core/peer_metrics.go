package core

// Peer idleness scoring. Higher means more loaded; peers advertise the score
// over the idle-metric protocol and artifact pulls prefer the least loaded
// provider.

import (
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/sirupsen/logrus"
)

const (
	cpuStressWeight     = 2.0
	networkStressWeight = 0.001
	diskStressWeight    = 0.001
)

// QualityMetric samples the local system and combines CPU, network and disk
// pressure into the advertised scalar.
func QualityMetric() float64 {
	qm := cpuStress() * cpuStressWeight
	qm += networkStress() * networkStressWeight
	qm += diskStress() * diskStressWeight
	return qm
}

// cpuStress is the 1-minute load average.
func cpuStress() float64 {
	avg, err := load.Avg()
	if err != nil {
		logrus.Debugf("sample load average: %v", err)
		return 0
	}
	return avg.Load1
}

// networkStress sums packet counts across all interfaces.
func networkStress() float64 {
	counters, err := gopsnet.IOCounters(false)
	if err != nil || len(counters) == 0 {
		logrus.Debugf("sample network counters: %v", err)
		return 0
	}
	var packets float64
	for _, c := range counters {
		packets += float64(c.PacketsRecv) + float64(c.PacketsSent)
	}
	return packets
}

// diskStress sums bytes moved across all disks.
func diskStress() float64 {
	counters, err := disk.IOCounters()
	if err != nil {
		logrus.Debugf("sample disk counters: %v", err)
		return 0
	}
	var bytes float64
	for _, c := range counters {
		bytes += float64(c.ReadBytes) + float64(c.WriteBytes)
	}
	return bytes
}
