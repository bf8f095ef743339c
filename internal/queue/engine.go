package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Swaathy05/new-queue-hack/internal/models"
	"github.com/Swaathy05/new-queue-hack/internal/notify"
	"github.com/Swaathy05/new-queue-hack/internal/store"
)

const (
	DefaultServingCeiling = 60 * time.Second
	DefaultCodeAttempts   = 8
	DefaultPublishTimeout = 2 * time.Second
	DefaultSweepBatch     = 100
)

// Actor is the operator performing an action. Authentication happens before
// the engine is called; the engine only checks ownership.
type Actor struct {
	OperatorID string
}

type Options struct {
	Policy             DeferralPolicy
	Clock              Clock
	Codes              CodeGenerator
	Publisher          notify.Publisher
	Logger             *zap.Logger
	ServingCeiling     time.Duration
	DefaultServiceTime time.Duration
	EstimateWindow     int
	CodeAttempts       int
	PublishTimeout     time.Duration
	SweepBatch         int
}

// Engine owns every state change of every line. Each change runs inside the
// in-process Coordinator and the store's Atomic section for the stations it
// touches; notifications go out after both are released.
type Engine struct {
	store     store.Store
	coord     *Coordinator
	policy    DeferralPolicy
	clock     Clock
	codes     CodeGenerator
	publisher notify.Publisher
	logger    *zap.Logger
	tracer    trace.Tracer
	opts      Options
}

func NewEngine(st store.Store, opts Options) *Engine {
	if opts.Policy == nil {
		opts.Policy = nearFront{}
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Codes == nil {
		opts.Codes = NewRandomCodes(0, 0)
	}
	if opts.Publisher == nil {
		opts.Publisher = notify.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ServingCeiling <= 0 {
		opts.ServingCeiling = DefaultServingCeiling
	}
	if opts.DefaultServiceTime <= 0 {
		opts.DefaultServiceTime = DefaultServiceTime
	}
	if opts.EstimateWindow <= 0 {
		opts.EstimateWindow = DefaultEstimateWindow
	}
	if opts.CodeAttempts <= 0 {
		opts.CodeAttempts = DefaultCodeAttempts
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = DefaultSweepBatch
	}
	return &Engine{
		store:     st,
		coord:     NewCoordinator(),
		policy:    opts.Policy,
		clock:     opts.Clock,
		codes:     opts.Codes,
		publisher: opts.Publisher,
		logger:    opts.Logger,
		tracer:    otel.Tracer("github.com/Swaathy05/new-queue-hack/internal/queue"),
		opts:      opts,
	}
}

func (e *Engine) Policy() DeferralPolicy {
	return e.policy
}

type Admission struct {
	Entry                models.Entry   `json:"entry"`
	Station              models.Station `json:"station"`
	Position             int            `json:"position"`
	EstimatedWaitSeconds int64          `json:"estimated_wait_seconds"`
}

type OrganizationInfo struct {
	Organization models.Organization `json:"organization"`
	Stations     []models.Station    `json:"stations"`
	ActiveCount  int                 `json:"active_count"`
}

type TicketStatus struct {
	Entry                models.Entry `json:"entry"`
	OrganizationName     string       `json:"organization_name"`
	StationNumber        int          `json:"station_number"`
	Position             int          `json:"position"`
	EstimatedWaitSeconds int64        `json:"estimated_wait_seconds"`
	ServingSeconds       int64        `json:"serving_seconds"`
}

type WaitingView struct {
	Entry                models.Entry `json:"entry"`
	EstimatedWaitSeconds int64        `json:"estimated_wait_seconds"`
}

type QueueView struct {
	Station  models.Station `json:"station"`
	Serving  *models.Entry  `json:"serving,omitempty"`
	Waiting  []WaitingView  `json:"waiting"`
	Estimate Estimate       `json:"estimate"`
}

type StationStats struct {
	Station     models.Station `json:"station"`
	Served      int            `json:"served"`
	AvgWaitSecs float64        `json:"avg_wait_seconds"`
}

type Stats struct {
	Served        int            `json:"served"`
	Removed       int            `json:"removed"`
	DeferredOnce  int            `json:"deferred_at_least_once"`
	AvgServedWait float64        `json:"avg_served_wait_seconds"`
	Stations      []StationStats `json:"stations"`
}

func (e *Engine) CreateOrganization(ctx context.Context, actor Actor, name, serviceType string, stationCount int) (models.Organization, []models.Station, error) {
	ctx, span := e.tracer.Start(ctx, "queue.CreateOrganization")
	defer span.End()

	if actor.OperatorID == "" {
		return models.Organization{}, nil, fmt.Errorf("%w: operator identity required", ErrUnauthorized)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Organization{}, nil, fmt.Errorf("%w: organization name required", ErrInvalidArgument)
	}
	if stationCount < 1 {
		return models.Organization{}, nil, fmt.Errorf("%w: station count %d, requires at least 1", ErrInvalidArgument, stationCount)
	}

	var lastErr error
	for attempt := 0; attempt < e.opts.CodeAttempts; attempt++ {
		joinCode, err := e.codes.JoinCode()
		if err != nil {
			return models.Organization{}, nil, fmt.Errorf("%w: generate join code: %w", ErrStorageUnavailable, err)
		}
		org := models.Organization{
			OrganizationID: uuid.NewString(),
			Name:           name,
			ServiceType:    strings.TrimSpace(serviceType),
			JoinCode:       joinCode,
			OwnerID:        actor.OperatorID,
			CreatedAt:      e.clock.Now(),
		}
		stations := make([]models.Station, stationCount)
		for i := range stations {
			stations[i] = models.Station{
				StationID:      uuid.NewString(),
				OrganizationID: org.OrganizationID,
				Number:         i + 1,
				Active:         true,
			}
		}
		err = storageError(e.store.CreateOrganization(ctx, org, stations), "create organization %s", name)
		if errors.Is(err, ErrConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			span.RecordError(err)
			return models.Organization{}, nil, err
		}
		e.logger.Info("organization created",
			zap.String("organization_id", org.OrganizationID),
			zap.String("join_code", org.JoinCode),
			zap.Int("stations", stationCount))
		return org, stations, nil
	}
	return models.Organization{}, nil, fmt.Errorf("%w: no free join code after %d attempts: %v", ErrStorageUnavailable, e.opts.CodeAttempts, lastErr)
}

// Organization is the public lookup behind the join page.
func (e *Engine) Organization(ctx context.Context, joinCode string) (OrganizationInfo, error) {
	ctx, span := e.tracer.Start(ctx, "queue.Organization")
	defer span.End()

	org, err := e.store.GetOrganizationByCode(ctx, joinCode)
	if err != nil {
		return OrganizationInfo{}, storageError(err, "organization with join code %s", joinCode)
	}
	stations, err := e.store.ListStations(ctx, org.OrganizationID)
	if err != nil {
		return OrganizationInfo{}, storageError(err, "stations of organization %s", org.OrganizationID)
	}
	org.OwnerID = ""
	info := OrganizationInfo{Organization: org, Stations: stations}
	for _, station := range stations {
		if station.Active {
			info.ActiveCount++
		}
	}
	return info, nil
}

func (e *Engine) ListStations(ctx context.Context, actor Actor, organizationID string) ([]models.Station, error) {
	ctx, span := e.tracer.Start(ctx, "queue.ListStations")
	defer span.End()

	if _, err := e.authorize(ctx, actor, organizationID); err != nil {
		return nil, err
	}
	stations, err := e.store.ListStations(ctx, organizationID)
	if err != nil {
		return nil, storageError(err, "stations of organization %s", organizationID)
	}
	return stations, nil
}

// Admit assigns a new arrival to the active station with the shortest line.
// Every station of the organization is held while choosing, and whether a
// station is active is read inside that section, so the counts compared are
// exact.
func (e *Engine) Admit(ctx context.Context, joinCode string) (Admission, error) {
	ctx, span := e.tracer.Start(ctx, "queue.Admit")
	defer span.End()

	org, err := e.store.GetOrganizationByCode(ctx, joinCode)
	if err != nil {
		return Admission{}, storageError(err, "organization with join code %s", joinCode)
	}
	stations, err := e.store.ListStations(ctx, org.OrganizationID)
	if err != nil {
		return Admission{}, storageError(err, "stations of organization %s", org.OrganizationID)
	}
	stationIDs := make([]string, 0, len(stations))
	for _, station := range stations {
		stationIDs = append(stationIDs, station.StationID)
	}

	var lastErr error
	for attempt := 0; attempt < e.opts.CodeAttempts; attempt++ {
		code, err := e.codes.TicketCode()
		if err != nil {
			return Admission{}, fmt.Errorf("%w: generate ticket code: %w", ErrStorageUnavailable, err)
		}
		admission, t, err := e.admit(ctx, org, stationIDs, code)
		if errors.Is(err, ErrConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Admission{}, err
		}
		e.publish(ctx, t.events)

		estimate, err := e.estimate(ctx, admission.Station.StationID)
		if err != nil {
			e.logger.Warn("estimate after admission", zap.String("station_id", admission.Station.StationID), zap.Error(err))
		} else {
			admission.EstimatedWaitSeconds = estimate.WaitFor(admission.Entry.Position)
		}
		span.SetAttributes(
			attribute.String("queue.station_id", admission.Station.StationID),
			attribute.Int("queue.position", admission.Position))
		e.logger.Debug("admitted",
			zap.String("entry_id", admission.Entry.EntryID),
			zap.String("station_id", admission.Station.StationID),
			zap.String("status", admission.Entry.Status),
			zap.Int("position", admission.Position))
		return admission, nil
	}
	return Admission{}, fmt.Errorf("%w: no free ticket code after %d attempts: %v", ErrStorageUnavailable, e.opts.CodeAttempts, lastErr)
}

func (e *Engine) admit(ctx context.Context, org models.Organization, stationIDs []string, code string) (Admission, *transition, error) {
	var admission Admission
	t := &transition{ctx: ctx, org: org}
	err := e.withStations(ctx, stationIDs, func(tx store.Tx) error {
		t.reset(tx, e.clock.Now())
		candidates := make([]Candidate, 0, len(stationIDs))
		occupied := make(map[string]bool, len(stationIDs))
		for _, stationID := range stationIDs {
			station, err := tx.Station(ctx, stationID)
			if err != nil {
				return storageError(err, "station %s", stationID)
			}
			waiting, err := tx.Waiting(ctx, stationID)
			if err != nil {
				return storageError(err, "waiting entries of station %s", stationID)
			}
			_, serving, err := tx.Serving(ctx, stationID)
			if err != nil {
				return storageError(err, "serving entry of station %s", stationID)
			}
			candidates = append(candidates, Candidate{Station: station, Waiting: len(waiting)})
			occupied[stationID] = serving || len(waiting) > 0
		}
		assignment, err := Select(candidates)
		if err != nil {
			return fmt.Errorf("organization %s: %w", org.JoinCode, err)
		}
		inUse, err := tx.CodeInUse(ctx, code)
		if err != nil {
			return storageError(err, "check ticket code")
		}
		if inUse {
			return fmt.Errorf("%w: ticket code %s is held by an open entry", ErrConflict, code)
		}

		now := t.now
		entry := models.Entry{
			EntryID:        uuid.NewString(),
			StationID:      assignment.Station.StationID,
			OrganizationID: org.OrganizationID,
			Code:           code,
			ArrivedAt:      now,
		}
		if occupied[entry.StationID] {
			entry.Status = models.StatusWaiting
			entry.Position = assignment.Position
		} else {
			entry.Status = models.StatusServing
			entry.ServingStartedAt = &now
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return storageError(err, "insert entry %s", entry.EntryID)
		}
		t.station = assignment.Station
		if entry.Status == models.StatusServing {
			t.emitEntry(notify.EventTurn, entry)
		}
		admission = Admission{Entry: entry, Station: assignment.Station, Position: assignment.Position}
		return nil
	})
	return admission, t, err
}

// Status is the customer-facing view of a ticket.
func (e *Engine) Status(ctx context.Context, code string) (TicketStatus, error) {
	ctx, span := e.tracer.Start(ctx, "queue.Status")
	defer span.End()

	entry, err := e.store.FindEntryByCode(ctx, code)
	if err != nil {
		return TicketStatus{}, storageError(err, "ticket %s", code)
	}
	station, err := e.store.GetStation(ctx, entry.StationID)
	if err != nil {
		return TicketStatus{}, storageError(err, "station %s", entry.StationID)
	}
	org, err := e.store.GetOrganization(ctx, entry.OrganizationID)
	if err != nil {
		return TicketStatus{}, storageError(err, "organization %s", entry.OrganizationID)
	}
	status := TicketStatus{
		Entry:            entry,
		OrganizationName: org.Name,
		StationNumber:    station.Number,
		Position:         entry.Position,
	}
	if entry.Status == models.StatusWaiting {
		estimate, err := e.estimate(ctx, entry.StationID)
		if err != nil {
			return TicketStatus{}, err
		}
		status.EstimatedWaitSeconds = estimate.WaitFor(entry.Position)
	}
	if entry.Status == models.StatusServing && entry.ServingStartedAt != nil {
		status.ServingSeconds = int64(e.clock.Now().Sub(*entry.ServingStartedAt) / time.Second)
	}
	return status, nil
}

func (e *Engine) QueueView(ctx context.Context, actor Actor, stationID string) (QueueView, error) {
	ctx, span := e.tracer.Start(ctx, "queue.QueueView")
	defer span.End()

	station, err := e.store.GetStation(ctx, stationID)
	if err != nil {
		return QueueView{}, storageError(err, "station %s", stationID)
	}
	org, err := e.authorize(ctx, actor, station.OrganizationID)
	if err != nil {
		return QueueView{}, err
	}

	var (
		serving    models.Entry
		hasServing bool
		waiting    []models.Entry
	)
	_, err = e.inStation(ctx, org, stationID, func(t *transition) error {
		station = t.station
		var err error
		if serving, hasServing, err = t.tx.Serving(ctx, stationID); err != nil {
			return storageError(err, "serving entry of station %s", stationID)
		}
		if waiting, err = t.tx.Waiting(ctx, stationID); err != nil {
			return storageError(err, "waiting entries of station %s", stationID)
		}
		return nil
	})
	if err != nil {
		return QueueView{}, err
	}

	estimate, err := e.estimate(ctx, stationID)
	if err != nil {
		return QueueView{}, err
	}
	view := QueueView{Station: station, Estimate: estimate, Waiting: make([]WaitingView, 0, len(waiting))}
	if hasServing {
		view.Serving = &serving
	}
	for _, entry := range waiting {
		view.Waiting = append(view.Waiting, WaitingView{Entry: entry, EstimatedWaitSeconds: estimate.WaitFor(entry.Position)})
	}
	return view, nil
}

func (e *Engine) Complete(ctx context.Context, actor Actor, entryID string) (models.Entry, error) {
	return e.act(ctx, actor, entryID, actionComplete, func(t *transition, entry models.Entry) (models.Entry, error) {
		ledger, err := t.ledger()
		if err != nil {
			return models.Entry{}, err
		}
		if entry, err = t.finish(entry, models.StatusServed); err != nil {
			return models.Entry{}, err
		}
		if _, _, err := t.settle(ledger, true); err != nil {
			return models.Entry{}, err
		}
		return entry, nil
	})
}

func (e *Engine) Defer(ctx context.Context, actor Actor, entryID string) (models.Entry, error) {
	return e.act(ctx, actor, entryID, actionDefer, func(t *transition, entry models.Entry) (models.Entry, error) {
		return t.deferEntry(entry, e.policy)
	})
}

func (e *Engine) Remove(ctx context.Context, actor Actor, entryID string) (models.Entry, error) {
	return e.act(ctx, actor, entryID, actionRemove, func(t *transition, entry models.Entry) (models.Entry, error) {
		ledger, err := t.ledger()
		if err != nil {
			return models.Entry{}, err
		}
		slotFreed := entry.Status == models.StatusServing
		ledger.Remove(entry.EntryID)
		if entry, err = t.finish(entry, models.StatusRemoved); err != nil {
			return models.Entry{}, err
		}
		if _, _, err := t.settle(ledger, slotFreed); err != nil {
			return models.Entry{}, err
		}
		return entry, nil
	})
}

func (e *Engine) ToggleStation(ctx context.Context, actor Actor, stationID string) (models.Station, error) {
	return e.updateStation(ctx, actor, stationID, "queue.ToggleStation", func(station models.Station) bool {
		return !station.Active
	})
}

func (e *Engine) SetStationActive(ctx context.Context, actor Actor, stationID string, active bool) (models.Station, error) {
	return e.updateStation(ctx, actor, stationID, "queue.SetStationActive", func(models.Station) bool {
		return active
	})
}

func (e *Engine) updateStation(ctx context.Context, actor Actor, stationID, spanName string, next func(models.Station) bool) (models.Station, error) {
	ctx, span := e.tracer.Start(ctx, spanName)
	defer span.End()

	station, err := e.store.GetStation(ctx, stationID)
	if err != nil {
		return models.Station{}, storageError(err, "station %s", stationID)
	}
	org, err := e.authorize(ctx, actor, station.OrganizationID)
	if err != nil {
		return models.Station{}, err
	}
	t, err := e.inStation(ctx, org, stationID, func(t *transition) error {
		active := next(t.station)
		if active == t.station.Active {
			return nil
		}
		if err := t.tx.SetStationActive(ctx, stationID, active); err != nil {
			return storageError(err, "set station %s active=%t", stationID, active)
		}
		t.station.Active = active
		t.emit(notify.OrganizationTopic(org.JoinCode), notify.Event{
			Type:           notify.EventStationStatus,
			OrganizationID: org.OrganizationID,
			StationID:      stationID,
			StationNumber:  t.station.Number,
			Active:         &active,
			CreatedAt:      t.now,
		})
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return models.Station{}, err
	}
	e.publish(ctx, t.events)
	e.logger.Info("station status",
		zap.String("station_id", stationID),
		zap.Bool("active", t.station.Active))
	return t.station, nil
}

// SweepOverdue defers every entry that has been serving longer than the
// ceiling. Entries that moved on since they were listed are left alone.
func (e *Engine) SweepOverdue(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, "queue.SweepOverdue")
	defer span.End()

	cutoff := e.clock.Now().Add(-e.opts.ServingCeiling)
	overdue, err := e.store.ListOverdue(ctx, cutoff, e.opts.SweepBatch)
	if err != nil {
		return 0, storageError(err, "list overdue entries")
	}
	swept := 0
	for _, candidate := range overdue {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		org, err := e.store.GetOrganization(ctx, candidate.OrganizationID)
		if err != nil {
			e.logger.Warn("sweep organization lookup", zap.String("entry_id", candidate.EntryID), zap.Error(err))
			continue
		}
		applied := false
		t, err := e.inStation(ctx, org, candidate.StationID, func(t *transition) error {
			entry, err := t.tx.Entry(ctx, candidate.EntryID)
			if err != nil {
				return storageError(err, "entry %s", candidate.EntryID)
			}
			if entry.Status != models.StatusServing || entry.ServingStartedAt == nil || !entry.ServingStartedAt.Before(cutoff) {
				return nil
			}
			if _, err := t.deferEntry(entry, e.policy); err != nil {
				return err
			}
			applied = true
			return nil
		})
		if err != nil {
			e.logger.Warn("sweep entry", zap.String("entry_id", candidate.EntryID), zap.Error(err))
			continue
		}
		if applied {
			swept++
			e.publish(ctx, t.events)
		}
	}
	span.SetAttributes(attribute.Int("queue.swept", swept))
	if swept > 0 {
		e.logger.Info("swept overdue entries", zap.Int("count", swept), zap.Time("cutoff", cutoff))
	}
	return swept, nil
}

func (e *Engine) Stats(ctx context.Context, actor Actor, organizationID string) (Stats, error) {
	ctx, span := e.tracer.Start(ctx, "queue.Stats")
	defer span.End()

	if _, err := e.authorize(ctx, actor, organizationID); err != nil {
		return Stats{}, err
	}
	var stats Stats
	var err error
	if stats.Served, err = e.store.CountHistory(ctx, store.HistoryFilter{OrganizationID: organizationID, Status: models.StatusServed}); err != nil {
		return Stats{}, storageError(err, "count served")
	}
	if stats.Removed, err = e.store.CountHistory(ctx, store.HistoryFilter{OrganizationID: organizationID, Status: models.StatusRemoved}); err != nil {
		return Stats{}, storageError(err, "count removed")
	}
	if stats.DeferredOnce, err = e.store.CountHistory(ctx, store.HistoryFilter{OrganizationID: organizationID, DeferredOnly: true}); err != nil {
		return Stats{}, storageError(err, "count deferred")
	}
	served, err := e.store.WaitStats(ctx, store.HistoryFilter{OrganizationID: organizationID, Status: models.StatusServed})
	if err != nil {
		return Stats{}, storageError(err, "served wait stats")
	}
	stats.AvgServedWait = served.AvgSeconds

	stations, err := e.store.ListStations(ctx, organizationID)
	if err != nil {
		return Stats{}, storageError(err, "stations of organization %s", organizationID)
	}
	for _, station := range stations {
		waits, err := e.store.WaitStats(ctx, store.HistoryFilter{StationID: station.StationID, Status: models.StatusServed})
		if err != nil {
			return Stats{}, storageError(err, "wait stats of station %s", station.StationID)
		}
		stats.Stations = append(stats.Stations, StationStats{Station: station, Served: waits.Count, AvgWaitSecs: waits.AvgSeconds})
	}
	return stats, nil
}

func (e *Engine) History(ctx context.Context, actor Actor, organizationID, status string, limit int) ([]models.HistoryRecord, error) {
	ctx, span := e.tracer.Start(ctx, "queue.History")
	defer span.End()

	if status != "" && !models.IsTerminal(status) {
		return nil, fmt.Errorf("%w: history status %q, requires served or removed", ErrInvalidArgument, status)
	}
	if _, err := e.authorize(ctx, actor, organizationID); err != nil {
		return nil, err
	}
	records, err := e.store.ListHistory(ctx, store.HistoryFilter{OrganizationID: organizationID, Status: status, Limit: limit})
	if err != nil {
		return nil, storageError(err, "history of organization %s", organizationID)
	}
	return records, nil
}

func (e *Engine) authorize(ctx context.Context, actor Actor, organizationID string) (models.Organization, error) {
	org, err := e.store.GetOrganization(ctx, organizationID)
	if err != nil {
		return models.Organization{}, storageError(err, "organization %s", organizationID)
	}
	if actor.OperatorID == "" || org.OwnerID != actor.OperatorID {
		return models.Organization{}, fmt.Errorf("%w: operator %q does not own organization %s", ErrUnauthorized, actor.OperatorID, organizationID)
	}
	return org, nil
}

func (e *Engine) act(ctx context.Context, actor Actor, entryID, action string, apply func(t *transition, entry models.Entry) (models.Entry, error)) (models.Entry, error) {
	ctx, span := e.tracer.Start(ctx, "queue."+action, trace.WithAttributes(attribute.String("queue.entry_id", entryID)))
	defer span.End()

	entry, err := e.store.GetEntry(ctx, entryID)
	if err != nil {
		return models.Entry{}, storageError(err, "entry %s", entryID)
	}
	org, err := e.authorize(ctx, actor, entry.OrganizationID)
	if err != nil {
		return models.Entry{}, err
	}

	var result models.Entry
	t, err := e.inStation(ctx, org, entry.StationID, func(t *transition) error {
		current, err := t.tx.Entry(ctx, entryID)
		if err != nil {
			return storageError(err, "entry %s", entryID)
		}
		if !ValidTransition(action, current.Status) {
			return fmt.Errorf("%w: cannot %s entry %s: status is %s, requires %s",
				ErrInvalidTransition, action, entryID, current.Status, strings.Join(allowedFrom(action), " or "))
		}
		result, err = apply(t, current)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Entry{}, err
	}
	e.publish(ctx, t.events)
	e.logger.Debug("transition",
		zap.String("action", action),
		zap.String("entry_id", entryID),
		zap.String("station_id", entry.StationID),
		zap.String("status", result.Status),
		zap.Int("position", result.Position),
		zap.Int("deferrals", result.Deferrals))
	return result, nil
}

func (e *Engine) withStations(ctx context.Context, stationIDs []string, fn func(tx store.Tx) error) error {
	err := e.coord.Do(ctx, stationIDs, func() error {
		return e.store.Atomic(ctx, stationIDs, fn)
	})
	return storageError(err, "stations %s", strings.Join(stationIDs, ","))
}

func (e *Engine) inStation(ctx context.Context, org models.Organization, stationID string, fn func(t *transition) error) (*transition, error) {
	t := &transition{ctx: ctx, org: org}
	err := e.withStations(ctx, []string{stationID}, func(tx store.Tx) error {
		t.reset(tx, e.clock.Now())
		station, err := tx.Station(ctx, stationID)
		if err != nil {
			return storageError(err, "station %s", stationID)
		}
		t.station = station
		return fn(t)
	})
	return t, err
}

// publish delivers collected events once the station sections are released.
// Failures are logged; the state change they describe is already committed.
func (e *Engine) publish(ctx context.Context, events []outbound) {
	if len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.PublishTimeout)
	defer cancel()
	for _, ev := range events {
		if err := e.publisher.Publish(ctx, ev.topic, ev.event); err != nil {
			e.logger.Warn("publish event",
				zap.String("topic", ev.topic),
				zap.String("type", ev.event.Type),
				zap.Error(err))
		}
	}
}
