// Package cleanup reconciles the three views of "what sessions exist":
// persisted leases, the in-memory store, and the control connections that
// are actually alive on disk. Crash or mid-session connection loss leaves
// these views disagreeing; the job converges them.
package cleanup

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/moorgate-dev/moorgate/internal/sessions"
	"github.com/moorgate-dev/moorgate/internal/sshconn"
)

// Job is the periodic orphan cleanup.
type Job struct {
	Store   *sessions.Store
	Manager *sshconn.Manager

	// CloseSession is the converged teardown path.
	CloseSession func(sessionID, reason string)

	// SocketDir is swept for stray control sockets left by a previous
	// process.
	SocketDir string

	cron *cron.Cron
}

// Start schedules the job on the given cron spec ("@every 1m" in
// production) and returns immediately.
func (j *Job) Start(spec string) error {
	j.cron = cron.New()
	if _, err := j.cron.AddFunc(spec, j.RunOnce); err != nil {
		return err
	}
	j.cron.Start()
	log.Printf("[cleanup] scheduled (%s)", spec)
	return nil
}

// Stop halts the schedule. A run already in progress completes.
func (j *Job) Stop() {
	if j.cron != nil {
		j.cron.Stop()
	}
}

// RunOnce performs one reconciliation pass.
func (j *Job) RunOnce() {
	j.closeDeadSessions()
	j.stopUnknownConnections()
	j.sweepStraySockets()
}

// closeDeadSessions ends sessions whose control connection no longer
// answers. Mid-session socket loss is detected here rather than inline, so
// a single failed command never tears the session down on its own.
func (j *Job) closeDeadSessions() {
	for _, sess := range j.Store.List() {
		if j.Manager.Alive(sess.ID) {
			continue
		}
		log.Printf("[cleanup] session %s: control connection dead, closing", sess.ID)
		j.CloseSession(sess.ID, "connection_lost")
	}
}

// stopUnknownConnections tears down control connections with no session
// behind them.
func (j *Job) stopUnknownConnections() {
	for _, id := range j.Manager.List() {
		if _, ok := j.Store.Get(id); ok {
			continue
		}
		log.Printf("[cleanup] control connection %s has no session, stopping", id)
		if err := j.Manager.Stop(id); err != nil {
			log.Printf("[cleanup] stop %s: %v", id, err)
		}
	}
}

// strayMinAge is how old a file must be before the sweep may unlink it. A
// start in flight writes its key, known_hosts, and socket before the session
// is registered with the manager; the age bound keeps the sweep off those.
const strayMinAge = time.Minute

// sweepStraySockets unlinks socket and known_hosts files that belong to no
// current control connection, e.g. after an unclean restart.
func (j *Job) sweepStraySockets() {
	if j.SocketDir == "" {
		return
	}
	entries, err := os.ReadDir(j.SocketDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[cleanup] read socket dir: %v", err)
		}
		return
	}

	known := make(map[string]struct{})
	for _, id := range j.Manager.List() {
		known[id] = struct{}{}
	}

	cutoff := time.Now().Add(-strayMinAge)
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "moorgate-") {
			continue
		}
		// Temp key files belong to the manager's start path, which removes
		// them itself on every exit.
		if strings.HasPrefix(name, "moorgate-key-") {
			continue
		}
		id := strings.TrimPrefix(name, "moorgate-")
		id = strings.TrimSuffix(id, ".sock")
		id = strings.TrimSuffix(id, ".known_hosts")
		if _, ok := known[id]; ok {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.SocketDir, name)
		log.Printf("[cleanup] removing stray file %s", path)
		if err := os.Remove(path); err != nil {
			log.Printf("[cleanup] remove %s: %v", path, err)
		}
	}
}
