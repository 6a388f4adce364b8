package spearlet

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/lfedgeai/spear/pkg/log"
	"github.com/lfedgeai/spear/pkg/resources"
)

var resourceLog = log.WithComponent("spearlet.resources")

// sampler produces resources.Info readings for this node's gRPC heartbeat
// loop to push to SMS via UpdateNodeResource. CPU and network figures are
// rates: the first Sample after construction has no prior snapshot to diff
// against and reports zero for them.
type sampler struct {
	fs       procfs.FS
	diskPath string

	mu       sync.Mutex
	prevCPU  *procfs.CPUStat
	prevNet  uint64 // rx+tx bytes at last sample
	prevTime time.Time
}

// newSampler opens the default /proc mount. diskPath is the filesystem to
// report disk usage for, typically the TEM's artifact cache directory.
func newSampler(diskPath string) (*sampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &sampler{fs: fs, diskPath: diskPath}, nil
}

// Sample reads current CPU/mem/disk/load/net figures into a resources.Info
// for nodeUUID. Metadata is left nil; the caller (heartbeatLoop) owns it.
func (s *sampler) Sample(ctx context.Context, nodeUUID string) resources.Info {
	info := resources.Info{NodeUUID: nodeUUID, UpdatedAt: time.Now()}

	if avg, err := s.fs.LoadAvg(); err != nil {
		resourceLog.Debug().Err(err).Msg("load average unavailable")
	} else {
		info.Load1 = avg.Load1
		info.Load5 = avg.Load5
		info.Load15 = avg.Load15
	}

	if mem, err := s.fs.Meminfo(); err != nil {
		resourceLog.Debug().Err(err).Msg("meminfo unavailable")
	} else if mem.MemTotal != nil {
		totalKB := *mem.MemTotal
		info.MemTotal = totalKB * 1024
		var availKB uint64
		if mem.MemAvailable != nil {
			availKB = *mem.MemAvailable
		} else if mem.MemFree != nil {
			availKB = *mem.MemFree
		}
		if availKB <= totalKB {
			info.MemUsed = (totalKB - availKB) * 1024
		}
		if totalKB > 0 {
			info.MemPct = float64(info.MemUsed) / float64(info.MemTotal) * 100
		}
	}

	s.sampleCPU(&info)
	s.sampleNet(&info)
	s.sampleDisk(&info)

	return info
}

func (s *sampler) sampleCPU(info *resources.Info) {
	stat, err := s.fs.Stat()
	if err != nil {
		resourceLog.Debug().Err(err).Msg("cpu stat unavailable")
		return
	}
	cur := stat.CPUTotal

	s.mu.Lock()
	prev := s.prevCPU
	s.prevCPU = &cur
	s.mu.Unlock()

	if prev == nil {
		return
	}
	busyDelta := (cur.User - prev.User) + (cur.System - prev.System) +
		(cur.Nice - prev.Nice) + (cur.IRQ - prev.IRQ) + (cur.SoftIRQ - prev.SoftIRQ) +
		(cur.Steal - prev.Steal)
	idleDelta := (cur.Idle - prev.Idle) + (cur.Iowait - prev.Iowait)
	total := busyDelta + idleDelta
	if total > 0 {
		info.CPUPct = busyDelta / total * 100
	}
}

func (s *sampler) sampleNet(info *resources.Info) {
	devs, err := s.fs.NetDev()
	if err != nil {
		resourceLog.Debug().Err(err).Msg("netdev unavailable")
		return
	}
	var rx, tx uint64
	for name, dev := range devs {
		if name == "lo" {
			continue
		}
		rx += dev.RxBytes
		tx += dev.TxBytes
	}

	now := time.Now()
	s.mu.Lock()
	prevTotal := s.prevNet
	prevTime := s.prevTime
	s.prevNet = rx + tx
	s.prevTime = now
	s.mu.Unlock()

	if prevTime.IsZero() {
		return
	}
	elapsed := now.Sub(prevTime).Seconds()
	if elapsed <= 0 {
		return
	}
	// Split evenly between rx/tx is not recoverable from a combined prior
	// total, so track the combined rate and report it symmetrically.
	delta := float64(rx+tx) - float64(prevTotal)
	if delta < 0 {
		return
	}
	rate := delta / elapsed / 2
	info.NetRxBps = rate
	info.NetTxBps = rate
}

func (s *sampler) sampleDisk(info *resources.Info) {
	var st unix.Statfs_t
	if err := unix.Statfs(s.diskPath, &st); err != nil {
		resourceLog.Debug().Err(err).Str("path", s.diskPath).Msg("statfs unavailable")
		return
	}
	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	avail := st.Bavail * bsize
	info.DiskTotal = total
	if avail <= total {
		info.DiskUsed = total - avail
	}
	if total > 0 {
		info.DiskPct = float64(info.DiskUsed) / float64(total) * 100
	}
}
