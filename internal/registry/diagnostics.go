package registry

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pickuplab/pickupd/internal/domain"
	"github.com/pickuplab/pickupd/internal/logrelay"
	"github.com/pickuplab/pickupd/internal/rcon"
	"github.com/pickuplab/pickupd/internal/storage"
)

const (
	checkRconConnection = "rcon connection"
	checkLogForwarding  = "log forwarding"

	logForwardingTimeout = 5 * time.Second
	diagnosticTimeout    = 30 * time.Second
)

// Diagnostics runs reachability check batteries against game servers.
// A run executes in the background; callers poll the store by run ID.
type Diagnostics struct {
	store     *storage.Store
	rcon      *rcon.Channel
	relay     *logrelay.Relay
	relayAddr string
}

func NewDiagnostics(store *storage.Store, channel *rcon.Channel, relay *logrelay.Relay, relayAddr string) *Diagnostics {
	return &Diagnostics{
		store:     store,
		rcon:      channel,
		relay:     relay,
		relayAddr: relayAddr,
	}
}

// Run starts a diagnostic battery against the server and returns the
// pending run. Checks execute in order and the battery stops at the
// first hard failure, leaving later checks pending.
func (d *Diagnostics) Run(ctx context.Context, serverID int64) (*domain.DiagnosticRun, error) {
	server, err := d.store.GetGameServerByID(ctx, serverID)
	if err != nil {
		return nil, err
	}

	run := &domain.DiagnosticRun{
		ID:           uuid.New().String(),
		GameServerID: server.ID,
		Status:       domain.DiagnosticPending,
		Checks: []domain.DiagnosticCheck{
			{Name: checkRconConnection, Status: domain.DiagnosticPending},
			{Name: checkLogForwarding, Status: domain.DiagnosticPending},
		},
		StartedAt: time.Now().UTC(),
	}
	if err := d.store.CreateDiagnosticRun(ctx, run); err != nil {
		return nil, err
	}

	go d.execute(server, run)
	return run, nil
}

// Get returns a run by its identifier
func (d *Diagnostics) Get(ctx context.Context, id string) (*domain.DiagnosticRun, error) {
	return d.store.GetDiagnosticRun(ctx, id)
}

func (d *Diagnostics) execute(server *domain.GameServer, run *domain.DiagnosticRun) {
	ctx, cancel := context.WithTimeout(context.Background(), diagnosticTimeout)
	defer cancel()

	run.Status = domain.DiagnosticRunning
	d.persist(ctx, run)

	session, ok := d.checkRcon(ctx, server, run)
	if !ok {
		d.finish(ctx, run, domain.DiagnosticFailed)
		return
	}
	defer session.Close()

	if !d.checkLogForwarding(ctx, session, run) {
		d.finish(ctx, run, domain.DiagnosticFailed)
		return
	}
	d.finish(ctx, run, domain.DiagnosticCompleted)
}

// checkRcon opens a session and issues a no-op command, measuring the
// round trip. The session is handed back for the log-forwarding check
// so the battery holds the server's RCON lock exactly once.
func (d *Diagnostics) checkRcon(ctx context.Context, server *domain.GameServer, run *domain.DiagnosticRun) (*rcon.Session, bool) {
	check := &run.Checks[0]
	check.Status = domain.DiagnosticRunning
	d.persist(ctx, run)

	start := time.Now()
	session, err := d.rcon.Open(ctx, server)
	if err != nil {
		d.fail(ctx, run, check, fmt.Sprintf("connect failed: %v", err))
		return nil, false
	}
	if _, err := session.Exec("echo diagnostics"); err != nil {
		session.Close()
		d.fail(ctx, run, check, fmt.Sprintf("command failed: %v", err))
		return nil, false
	}
	check.Status = domain.DiagnosticCompleted
	check.Detail = fmt.Sprintf("round trip %s", time.Since(start).Round(time.Millisecond))
	check.ReportedAt = time.Now().UTC().Format(time.RFC3339)
	d.persist(ctx, run)
	return session, true
}

// checkLogForwarding points the server's log stream at the relay under
// a throwaway secret, says a unique marker over RCON and waits for the
// marker to come back on the wire.
func (d *Diagnostics) checkLogForwarding(ctx context.Context, session *rcon.Session, run *domain.DiagnosticRun) bool {
	check := &run.Checks[1]
	check.Status = domain.DiagnosticRunning
	d.persist(ctx, run)

	secret := strings.ReplaceAll(uuid.New().String(), "-", "")
	marker := uuid.New().String()

	lines, cancel := d.relay.Watch(secret)
	defer cancel()

	setup := []string{
		fmt.Sprintf("sv_logsecret %s", secret),
		fmt.Sprintf("logaddress_add %s", d.relayAddr),
		fmt.Sprintf("say diagnostics %s", marker),
	}
	start := time.Now()
	for _, cmd := range setup {
		if _, err := session.Exec(cmd); err != nil {
			d.fail(ctx, run, check, fmt.Sprintf("command %q failed: %v", cmd, err))
			return false
		}
	}
	defer func() {
		if _, err := session.Exec("sv_logsecret 0"); err != nil {
			log.Printf("diagnostics: resetting log secret: %v", err)
		}
	}()

	timeout := time.NewTimer(logForwardingTimeout)
	defer timeout.Stop()
	for {
		select {
		case line := <-lines:
			if strings.Contains(line, marker) {
				check.Status = domain.DiagnosticCompleted
				check.Detail = fmt.Sprintf("marker received after %s", time.Since(start).Round(time.Millisecond))
				check.ReportedAt = time.Now().UTC().Format(time.RFC3339)
				d.persist(ctx, run)
				return true
			}
		case <-timeout.C:
			d.fail(ctx, run, check, fmt.Sprintf("no log line received within %s", logForwardingTimeout))
			return false
		case <-ctx.Done():
			d.fail(ctx, run, check, "diagnostic run timed out")
			return false
		}
	}
}

func (d *Diagnostics) fail(ctx context.Context, run *domain.DiagnosticRun, check *domain.DiagnosticCheck, detail string) {
	check.Status = domain.DiagnosticFailed
	check.Detail = detail
	check.ReportedAt = time.Now().UTC().Format(time.RFC3339)
	log.Printf("diagnostics: server %d: %s: %s", run.GameServerID, check.Name, detail)
	d.persist(ctx, run)
}

func (d *Diagnostics) finish(ctx context.Context, run *domain.DiagnosticRun, status string) {
	now := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &now
	d.persist(ctx, run)
}

func (d *Diagnostics) persist(ctx context.Context, run *domain.DiagnosticRun) {
	if err := d.store.UpdateDiagnosticRun(ctx, run); err != nil {
		log.Printf("diagnostics: persisting run %s: %v", run.ID, err)
	}
}
