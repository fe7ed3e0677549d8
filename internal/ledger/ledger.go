package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbeckett/warden/internal/log"
)

// DenyReason classifies why admission was refused. Denial is not an error
// condition for the task; it simply stays pending.
type DenyReason string

const (
	DenyDeviceOffline  DenyReason = "device_offline"
	DenyWorkspaceLimit DenyReason = "workspace_limit"
	DenyDiskBudget     DenyReason = "disk_budget"
)

// AdmissionDeniedError reports a refused admission with its reason.
type AdmissionDeniedError struct {
	DeviceID string
	Reason   DenyReason
}

func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("admission denied on device %s: %s", e.DeviceID, e.Reason)
}

// IsDenied reports whether err is an admission denial and returns its reason.
func IsDenied(err error) (DenyReason, bool) {
	var denied *AdmissionDeniedError
	if errors.As(err, &denied) {
		return denied.Reason, true
	}
	return "", false
}

var ErrDeviceNotFound = errors.New("device not found")

// Device is one executor host and its capacity counters. Counters are
// mutated only through the Ledger's admit/release path.
type Device struct {
	ID             string
	Name           string
	MaxWorkspaces  int
	MaxDiskMB      int64
	WorkspaceCount int
	DiskUsageMB    int64
	Online         bool
	LastSeenAt     *time.Time
}

// Ledger grants and revokes workspace reservations against device capacity.
// Admit/release calls for the same device are serialized through a per-device
// mutex so the capacity invariant holds under concurrent admission attempts.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(db *sql.DB) *Ledger {
	return &Ledger{
		db:     db,
		logger: log.WithComponent("ledger"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) deviceLock(deviceID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[deviceID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[deviceID] = m
	}
	return m
}

// Register upserts a device record. Capacity limits and the online flag are
// refreshed; counters survive restarts so they stay consistent with the
// reservations table.
func (l *Ledger) Register(ctx context.Context, d Device) error {
	if d.ID == "" {
		return fmt.Errorf("device ID is empty")
	}
	if d.MaxWorkspaces <= 0 || d.MaxDiskMB <= 0 {
		return fmt.Errorf("device %s has non-positive capacity limits", d.ID)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := l.db.ExecContext(ctx, `
INSERT INTO devices(id, name, max_workspaces, max_disk_mb, workspace_count, disk_usage_mb, online, last_seen_at)
VALUES(?, ?, ?, ?, 0, 0, 1, ?)
ON CONFLICT(id) DO UPDATE SET
  name = excluded.name,
  max_workspaces = excluded.max_workspaces,
  max_disk_mb = excluded.max_disk_mb,
  online = 1,
  last_seen_at = excluded.last_seen_at;
`, d.ID, d.Name, d.MaxWorkspaces, d.MaxDiskMB, now)
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	return nil
}

// Heartbeat refreshes the device's online flag and last-seen timestamp.
func (l *Ledger) Heartbeat(ctx context.Context, deviceID string, online bool) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := l.db.ExecContext(ctx,
		`UPDATE devices SET online = ?, last_seen_at = ? WHERE id = ?;`,
		boolToInt(online), now, deviceID)
	if err != nil {
		return fmt.Errorf("heartbeat device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// GetDevice reads the device row.
func (l *Ledger) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	var (
		d        Device
		online   int
		lastSeen sql.NullString
	)
	err := l.db.QueryRowContext(ctx, `
SELECT id, name, max_workspaces, max_disk_mb, workspace_count, disk_usage_mb, online, last_seen_at
FROM devices WHERE id = ?;
`, deviceID).Scan(&d.ID, &d.Name, &d.MaxWorkspaces, &d.MaxDiskMB, &d.WorkspaceCount, &d.DiskUsageMB, &online, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read device: %w", err)
	}
	d.Online = online != 0
	if lastSeen.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastSeen.String); err == nil {
			d.LastSeenAt = &t
		}
	}
	return &d, nil
}

// TryAdmit reserves one workspace slot and diskMB of disk budget for
// workspaceID. It returns an AdmissionDeniedError when the device is offline,
// at its workspace limit, or out of disk budget. Admitting a workspace that
// already holds a live reservation is a no-op, so a crashed orchestrator can
// safely replay an admission.
func (l *Ledger) TryAdmit(ctx context.Context, deviceID, workspaceID string, diskMB int64) error {
	if workspaceID == "" {
		return fmt.Errorf("workspace ID is empty")
	}
	if diskMB <= 0 {
		return fmt.Errorf("disk estimate must be positive")
	}

	lock := l.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_reservations WHERE workspace_id = ? AND released = 0;`,
		workspaceID).Scan(&existing); err != nil {
		return fmt.Errorf("check existing reservation: %w", err)
	}
	if existing > 0 {
		return nil
	}

	var (
		maxWorkspaces int
		maxDiskMB     int64
		count         int
		diskUsage     int64
		online        int
	)
	err = tx.QueryRowContext(ctx, `
SELECT max_workspaces, max_disk_mb, workspace_count, disk_usage_mb, online
FROM devices WHERE id = ?;
`, deviceID).Scan(&maxWorkspaces, &maxDiskMB, &count, &diskUsage, &online)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDeviceNotFound
	}
	if err != nil {
		return fmt.Errorf("read device for admission: %w", err)
	}

	if online == 0 {
		return &AdmissionDeniedError{DeviceID: deviceID, Reason: DenyDeviceOffline}
	}
	if count >= maxWorkspaces {
		return &AdmissionDeniedError{DeviceID: deviceID, Reason: DenyWorkspaceLimit}
	}
	if diskUsage+diskMB > maxDiskMB {
		return &AdmissionDeniedError{DeviceID: deviceID, Reason: DenyDiskBudget}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
INSERT INTO ledger_reservations(workspace_id, device_id, disk_mb, released, granted_at)
VALUES(?, ?, ?, 0, ?);
`, workspaceID, deviceID, diskMB, now); err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE devices SET workspace_count = workspace_count + 1, disk_usage_mb = disk_usage_mb + ?
WHERE id = ?;
`, diskMB, deviceID); err != nil {
		return fmt.Errorf("update device counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit admission: %w", err)
	}

	l.logger.Info("admission granted", "device_id", deviceID, "workspace_id", workspaceID, "disk_mb", diskMB)
	return nil
}

// Release returns workspaceID's reservation to the device. It is idempotent:
// releasing an already-released (or never-granted) workspace is a no-op, not
// an error, because the orchestrator may replay releases after a crash.
func (l *Ledger) Release(ctx context.Context, deviceID, workspaceID string) error {
	lock := l.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		diskMB   int64
		released int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT disk_mb, released FROM ledger_reservations WHERE workspace_id = ? AND device_id = ?;`,
		workspaceID, deviceID).Scan(&diskMB, &released)
	if errors.Is(err, sql.ErrNoRows) {
		l.logger.Debug("release for unknown reservation ignored", "device_id", deviceID, "workspace_id", workspaceID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read reservation: %w", err)
	}
	if released != 0 {
		return nil
	}

	var (
		count     int
		diskUsage int64
	)
	if err := tx.QueryRowContext(ctx,
		`SELECT workspace_count, disk_usage_mb FROM devices WHERE id = ?;`,
		deviceID).Scan(&count, &diskUsage); err != nil {
		return fmt.Errorf("read device for release: %w", err)
	}
	if count < 1 || diskUsage < diskMB {
		// Counters can only drift from the reservations table through a bug
		// in this package; surface it loudly instead of clamping.
		return fmt.Errorf("ledger invariant violation on device %s: count=%d disk_usage_mb=%d releasing disk_mb=%d",
			deviceID, count, diskUsage, diskMB)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`UPDATE ledger_reservations SET released = 1, released_at = ? WHERE workspace_id = ?;`,
		now, workspaceID); err != nil {
		return fmt.Errorf("mark reservation released: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE devices SET workspace_count = workspace_count - 1, disk_usage_mb = disk_usage_mb - ?
WHERE id = ?;
`, diskMB, deviceID); err != nil {
		return fmt.Errorf("update device counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit release: %w", err)
	}

	l.logger.Info("reservation released", "device_id", deviceID, "workspace_id", workspaceID, "disk_mb", diskMB)
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
