package session

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/jingkaihe/iofault/pkg/control"
	"github.com/jingkaihe/iofault/pkg/mountctl"
)

// GCReport lists what one collection pass cleaned up.
type GCReport struct {
	DetachedMounts []string
	RemovedRecords []string
	Failed         map[string]string
}

func (r *GCReport) addFailed(item string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]string)
	}
	r.Failed[item] = err.Error()
}

// Collector finds and removes leftovers of sessions whose owning process
// died without tearing down: shadow mounts and backing binds still in the
// mount table, session dirs, and stale records.
type Collector struct {
	RuntimeDir string

	log        *slog.Logger
	listMounts func() ([]mountctl.MountInfo, error)
	unmount    func(path string, flags int) error
	probe      func(socketPath string) bool
}

func NewCollector(runtimeDir string, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		RuntimeDir: runtimeDir,
		log:        logger,
		listMounts: mountctl.ListMounts,
		unmount:    unix.Unmount,
		probe:      probeSocket,
	}
}

// probeSocket reports whether a live session answers on the socket.
func probeSocket(socketPath string) bool {
	client, err := control.Dial(socketPath)
	if err != nil {
		return false
	}
	defer client.Close()
	_, err = client.Status()
	return err == nil
}

// Run performs one collection pass. Mounts are detached lazily so a leaked
// mount with open files still disappears from the namespace.
func (c *Collector) Run() (*GCReport, error) {
	report := &GCReport{}

	store, err := OpenStore(c.RuntimeDir)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	records, err := store.List()
	if err != nil {
		return nil, err
	}

	liveDirs := make(map[string]bool)
	for _, rec := range records {
		if rec.Phase == PhaseActive && c.probe(rec.SocketPath) {
			liveDirs[rec.SessionDir] = true
		}
	}

	mounts, err := c.listMounts()
	if err != nil {
		return report, err
	}

	// Deepest mount points first: a session dir holds both the shadow FUSE
	// mount and the backing bind.
	prefix := strings.TrimSuffix(c.RuntimeDir, "/") + "/"
	var orphaned []string
	for _, m := range mounts {
		if !strings.HasPrefix(m.MountPoint, prefix) {
			continue
		}
		if ownedByLive(m.MountPoint, liveDirs) {
			continue
		}
		orphaned = append(orphaned, m.MountPoint)
	}
	sort.Slice(orphaned, func(i, j int) bool { return len(orphaned[i]) > len(orphaned[j]) })
	for _, mp := range orphaned {
		if err := c.unmount(mp, unix.MNT_DETACH); err != nil {
			report.addFailed(mp, err)
			continue
		}
		c.log.Info("detached orphaned mount", "mountpoint", mp)
		report.DetachedMounts = append(report.DetachedMounts, mp)
	}

	for _, rec := range records {
		if liveDirs[rec.SessionDir] {
			continue
		}
		if rec.SessionDir != "" {
			if err := os.RemoveAll(rec.SessionDir); err != nil {
				report.addFailed(rec.SessionDir, err)
			}
		}
		if err := store.Delete(rec.ID); err != nil {
			report.addFailed(rec.ID, err)
			continue
		}
		c.log.Info("removed stale session record", "session", rec.ID, "phase", rec.Phase)
		report.RemovedRecords = append(report.RemovedRecords, rec.ID)
	}
	return report, nil
}

func ownedByLive(mountPoint string, liveDirs map[string]bool) bool {
	for dir := range liveDirs {
		if mountPoint == dir || strings.HasPrefix(mountPoint, strings.TrimSuffix(dir, "/")+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
