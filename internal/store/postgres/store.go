package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Swaathy05/new-queue-hack/internal/models"
	"github.com/Swaathy05/new-queue-hack/internal/store"
)

const (
	uniqueViolation    = "23505"
	exclusionViolation = "23P01"
	invalidText        = "22P02"
)

const entryColumns = `entry_id, station_id, organization_id, code, status, position, deferrals, arrived_at, serving_started_at, completed_at`

const historyColumns = `record_id, organization_id, station_id, station_number, entry_id, ticket_code, arrived_at, completed_at, wait_seconds, status, deferrals`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) CreateOrganization(ctx context.Context, org models.Organization, stations []models.Station) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `
		INSERT INTO organizations (organization_id, name, service_type, join_code, owner_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, org.OrganizationID, org.Name, org.ServiceType, org.JoinCode, org.OwnerID, org.CreatedAt); err != nil {
		return translate(err)
	}
	for _, station := range stations {
		if _, err = tx.Exec(ctx, `
			INSERT INTO stations (station_id, organization_id, number, active) VALUES ($1,$2,$3,$4)
		`, station.StationID, org.OrganizationID, station.Number, station.Active); err != nil {
			return translate(err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return translate(err)
	}
	return nil
}

func (s *Store) GetOrganization(ctx context.Context, organizationID string) (models.Organization, error) {
	return scanOrganization(s.pool.QueryRow(ctx, `
		SELECT organization_id, name, service_type, join_code, owner_id, created_at
		FROM organizations WHERE organization_id = $1
	`, organizationID))
}

func (s *Store) GetOrganizationByCode(ctx context.Context, joinCode string) (models.Organization, error) {
	return scanOrganization(s.pool.QueryRow(ctx, `
		SELECT organization_id, name, service_type, join_code, owner_id, created_at
		FROM organizations WHERE join_code = $1
	`, joinCode))
}

func (s *Store) ListStations(ctx context.Context, organizationID string) ([]models.Station, error) {
	if _, err := s.GetOrganization(ctx, organizationID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT station_id, organization_id, number, active
		FROM stations WHERE organization_id = $1
		ORDER BY number ASC
	`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stations []models.Station
	for rows.Next() {
		var station models.Station
		if err := rows.Scan(&station.StationID, &station.OrganizationID, &station.Number, &station.Active); err != nil {
			return nil, err
		}
		stations = append(stations, station)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stations, nil
}

func (s *Store) GetStation(ctx context.Context, stationID string) (models.Station, error) {
	return getStation(ctx, s.pool, stationID)
}

func (s *Store) GetEntry(ctx context.Context, entryID string) (models.Entry, error) {
	return scanEntry(s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM entries WHERE entry_id = $1`, entryID))
}

func (s *Store) FindEntryByCode(ctx context.Context, code string) (models.Entry, error) {
	return scanEntry(s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE code = $1
		ORDER BY arrived_at DESC
		LIMIT 1
	`, code))
}

func (s *Store) ListOverdue(ctx context.Context, servingBefore time.Time, limit int) ([]models.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return queryEntries(ctx, s.pool, `
		SELECT `+entryColumns+` FROM entries
		WHERE status = 'serving' AND serving_started_at < $1
		ORDER BY serving_started_at ASC
		LIMIT $2
	`, servingBefore, limit)
}

func (s *Store) CountHistory(ctx context.Context, filter store.HistoryFilter) (int, error) {
	where, args := historyWhere(filter)
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM history_records`+where, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) WaitStats(ctx context.Context, filter store.HistoryFilter) (store.WaitStats, error) {
	where, args := historyWhere(filter)
	if where == "" {
		where = " WHERE wait_seconds IS NOT NULL"
	} else {
		where += " AND wait_seconds IS NOT NULL"
	}
	var (
		stats store.WaitStats
		avg   sql.NullFloat64
	)
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(wait_seconds), 0), AVG(wait_seconds)::float8
		FROM history_records`+where, args...)
	if err := row.Scan(&stats.Count, &stats.TotalSeconds, &avg); err != nil {
		return store.WaitStats{}, err
	}
	if avg.Valid {
		stats.AvgSeconds = avg.Float64
	}
	return stats, nil
}

func (s *Store) RecentWaits(ctx context.Context, stationID string, limit int) ([]int64, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT wait_seconds FROM history_records
		WHERE station_id = $1 AND wait_seconds IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT $2
	`, stationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var waits []int64
	for rows.Next() {
		var wait int64
		if err := rows.Scan(&wait); err != nil {
			return nil, err
		}
		waits = append(waits, wait)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return waits, nil
}

func (s *Store) ListHistory(ctx context.Context, filter store.HistoryFilter) ([]models.HistoryRecord, error) {
	where, args := historyWhere(filter)
	query := `SELECT ` + historyColumns + ` FROM history_records` + where + ` ORDER BY completed_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.HistoryRecord
	for rows.Next() {
		var (
			record models.HistoryRecord
			wait   sql.NullInt64
		)
		if err := rows.Scan(&record.RecordID, &record.OrganizationID, &record.StationID, &record.StationNumber,
			&record.EntryID, &record.TicketCode, &record.ArrivedAt, &record.CompletedAt, &wait,
			&record.Status, &record.Deferrals); err != nil {
			return nil, err
		}
		if wait.Valid {
			value := wait.Int64
			record.WaitSeconds = &value
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Atomic locks the station rows in id order for the life of one
// transaction. Position uniqueness and the single serving slot are checked
// by deferred constraints at commit; density is checked just before it.
func (s *Store) Atomic(ctx context.Context, stationIDs []string, fn func(tx store.Tx) error) (err error) {
	ids := uniqueSorted(stationIDs)
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `
		SELECT station_id FROM stations
		WHERE station_id = ANY($1::uuid[])
		ORDER BY station_id
		FOR UPDATE
	`, ids)
	if err != nil {
		err = readError(err)
		return err
	}
	locked := 0
	for rows.Next() {
		locked++
	}
	rows.Close()
	if err = readError(rows.Err()); err != nil {
		return err
	}
	if locked != len(ids) {
		err = fmt.Errorf("locked %d of %d stations: %w", locked, len(ids), store.ErrNotFound)
		return err
	}

	if err = fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err = checkDense(ctx, tx, ids); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		err = translate(err)
		return err
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Station(ctx context.Context, stationID string) (models.Station, error) {
	return getStation(ctx, t.tx, stationID)
}

func (t *pgTx) SetStationActive(ctx context.Context, stationID string, active bool) error {
	tag, err := t.tx.Exec(ctx, `UPDATE stations SET active = $2 WHERE station_id = $1`, stationID, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) Entry(ctx context.Context, entryID string) (models.Entry, error) {
	return scanEntry(t.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM entries WHERE entry_id = $1`, entryID))
}

func (t *pgTx) Waiting(ctx context.Context, stationID string) ([]models.Entry, error) {
	return queryEntries(ctx, t.tx, `
		SELECT `+entryColumns+` FROM entries
		WHERE station_id = $1 AND status = 'waiting'
		ORDER BY position ASC, arrived_at ASC
	`, stationID)
}

func (t *pgTx) Serving(ctx context.Context, stationID string) (models.Entry, bool, error) {
	entry, err := scanEntry(t.tx.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE station_id = $1 AND status = 'serving'
		LIMIT 1
	`, stationID))
	if errors.Is(err, store.ErrNotFound) {
		return models.Entry{}, false, nil
	}
	if err != nil {
		return models.Entry{}, false, err
	}
	return entry, true, nil
}

func (t *pgTx) CodeInUse(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM entries WHERE code = $1 AND status IN ('waiting','serving'))
	`, code).Scan(&exists)
	return exists, err
}

func (t *pgTx) InsertEntry(ctx context.Context, entry models.Entry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, entry.EntryID, entry.StationID, entry.OrganizationID, entry.Code, entry.Status, entry.Position,
		entry.Deferrals, entry.ArrivedAt, entry.ServingStartedAt, entry.CompletedAt)
	return translate(err)
}

func (t *pgTx) UpdateEntry(ctx context.Context, entry models.Entry) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE entries
		SET status = $2, position = $3, deferrals = $4, serving_started_at = $5, completed_at = $6
		WHERE entry_id = $1
	`, entry.EntryID, entry.Status, entry.Position, entry.Deferrals, entry.ServingStartedAt, entry.CompletedAt)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendHistory(ctx context.Context, record models.HistoryRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO history_records (`+historyColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, record.RecordID, record.OrganizationID, record.StationID, record.StationNumber, record.EntryID,
		record.TicketCode, record.ArrivedAt, record.CompletedAt, record.WaitSeconds, record.Status, record.Deferrals)
	return translate(err)
}

func checkDense(ctx context.Context, q querier, stationIDs []string) error {
	var broken []string
	rows, err := q.Query(ctx, `
		SELECT station_id::text FROM entries
		WHERE station_id = ANY($1::uuid[]) AND status = 'waiting'
		GROUP BY station_id
		HAVING COUNT(*) <> MAX(position) OR MIN(position) <> 1
	`, stationIDs)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		broken = append(broken, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(broken) > 0 {
		return fmt.Errorf("waiting positions not dense at stations %v", broken)
	}
	return nil
}

func getStation(ctx context.Context, q querier, stationID string) (models.Station, error) {
	var station models.Station
	err := q.QueryRow(ctx, `
		SELECT station_id, organization_id, number, active FROM stations WHERE station_id = $1
	`, stationID).Scan(&station.StationID, &station.OrganizationID, &station.Number, &station.Active)
	if err != nil {
		return models.Station{}, readError(err)
	}
	return station, nil
}

func scanOrganization(row pgx.Row) (models.Organization, error) {
	var org models.Organization
	err := row.Scan(&org.OrganizationID, &org.Name, &org.ServiceType, &org.JoinCode, &org.OwnerID, &org.CreatedAt)
	if err != nil {
		return models.Organization{}, readError(err)
	}
	return org, nil
}

func scanEntry(row pgx.Row) (models.Entry, error) {
	var (
		entry     models.Entry
		startedAt sql.NullTime
		doneAt    sql.NullTime
	)
	err := row.Scan(&entry.EntryID, &entry.StationID, &entry.OrganizationID, &entry.Code, &entry.Status,
		&entry.Position, &entry.Deferrals, &entry.ArrivedAt, &startedAt, &doneAt)
	if err != nil {
		return models.Entry{}, readError(err)
	}
	entry.ServingStartedAt = nullTimePtr(startedAt)
	entry.CompletedAt = nullTimePtr(doneAt)
	return entry, nil
}

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]models.Entry, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func historyWhere(filter store.HistoryFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.OrganizationID != "" {
		add("organization_id = $%d", filter.OrganizationID)
	}
	if filter.StationID != "" {
		add("station_id = $%d", filter.StationID)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.DeferredOnly {
		clauses = append(clauses, "deferrals > 0")
	}
	if len(clauses) == 0 {
		return "", args
	}
	where := " WHERE " + clauses[0]
	for _, clause := range clauses[1:] {
		where += " AND " + clause
	}
	return where, args
}

// translate maps constraint violations onto store.ErrConflict so callers
// can retry with a fresh code.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == uniqueViolation || pgErr.Code == exclusionViolation) {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, store.ErrConflict)
	}
	return err
}

// readError reports missing rows, and ids that cannot exist because they
// are not valid uuids, as store.ErrNotFound.
func readError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == invalidText {
		return fmt.Errorf("%s: %w", pgErr.Message, store.ErrNotFound)
	}
	return err
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func uniqueSorted(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
