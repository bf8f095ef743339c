package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/emirpasic/gods/queues/linkedlistqueue"

	"github.com/Swaathy05/new-queue-hack/internal/models"
	"github.com/Swaathy05/new-queue-hack/internal/store"
)

// recentWaitWindow is how many completed waits each station keeps at hand
// for estimates. Larger requests fall back to scanning the history.
const recentWaitWindow = 32

// Store keeps everything in process memory. Each station is a shard with
// its own lock; s.mu guards only the indexes and is never held while
// waiting for a shard lock.
type Store struct {
	mu           sync.RWMutex
	orgs         map[string]models.Organization
	orgByCode    map[string]string
	orgStations  map[string][]string
	shards       map[string]*shard
	entryStation map[string]string
	openCodes    map[string]string
	latestByCode map[string]string
	archive      map[string]models.Entry

	historyMu sync.RWMutex
	history   []models.HistoryRecord
	recent    map[string]*linkedlistqueue.Queue
}

// shard holds one station's open entries in arrival order.
type shard struct {
	mu      sync.Mutex
	station models.Station
	entries *linkedhashmap.Map
}

func New() *Store {
	return &Store{
		orgs:         make(map[string]models.Organization),
		orgByCode:    make(map[string]string),
		orgStations:  make(map[string][]string),
		shards:       make(map[string]*shard),
		entryStation: make(map[string]string),
		openCodes:    make(map[string]string),
		latestByCode: make(map[string]string),
		archive:      make(map[string]models.Entry),
		recent:       make(map[string]*linkedlistqueue.Queue),
	}
}

func (s *Store) CreateOrganization(_ context.Context, org models.Organization, stations []models.Station) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orgByCode[org.JoinCode]; exists {
		return fmt.Errorf("join code %s: %w", org.JoinCode, store.ErrConflict)
	}
	if _, exists := s.orgs[org.OrganizationID]; exists {
		return fmt.Errorf("organization %s: %w", org.OrganizationID, store.ErrConflict)
	}
	ids := make([]string, 0, len(stations))
	for _, station := range stations {
		if _, exists := s.shards[station.StationID]; exists {
			return fmt.Errorf("station %s: %w", station.StationID, store.ErrConflict)
		}
		ids = append(ids, station.StationID)
	}
	s.orgs[org.OrganizationID] = org
	s.orgByCode[org.JoinCode] = org.OrganizationID
	for _, station := range stations {
		s.shards[station.StationID] = &shard{station: station, entries: linkedhashmap.New()}
	}
	s.orgStations[org.OrganizationID] = ids
	return nil
}

func (s *Store) GetOrganization(_ context.Context, organizationID string) (models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[organizationID]
	if !ok {
		return models.Organization{}, store.ErrNotFound
	}
	return org, nil
}

func (s *Store) GetOrganizationByCode(_ context.Context, joinCode string) (models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.orgByCode[joinCode]
	if !ok {
		return models.Organization{}, store.ErrNotFound
	}
	return s.orgs[id], nil
}

func (s *Store) ListStations(_ context.Context, organizationID string) ([]models.Station, error) {
	s.mu.RLock()
	if _, ok := s.orgs[organizationID]; !ok {
		s.mu.RUnlock()
		return nil, store.ErrNotFound
	}
	shards := make([]*shard, 0, len(s.orgStations[organizationID]))
	for _, id := range s.orgStations[organizationID] {
		shards = append(shards, s.shards[id])
	}
	s.mu.RUnlock()

	stations := make([]models.Station, 0, len(shards))
	for _, sh := range shards {
		sh.mu.Lock()
		stations = append(stations, sh.station)
		sh.mu.Unlock()
	}
	sort.Slice(stations, func(i, j int) bool { return stations[i].Number < stations[j].Number })
	return stations, nil
}

func (s *Store) GetStation(_ context.Context, stationID string) (models.Station, error) {
	sh, ok := s.shard(stationID)
	if !ok {
		return models.Station{}, store.ErrNotFound
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.station, nil
}

func (s *Store) GetEntry(_ context.Context, entryID string) (models.Entry, error) {
	s.mu.RLock()
	if entry, ok := s.archive[entryID]; ok {
		s.mu.RUnlock()
		return entry, nil
	}
	stationID, ok := s.entryStation[entryID]
	sh := s.shards[stationID]
	s.mu.RUnlock()
	if !ok || sh == nil {
		return models.Entry{}, store.ErrNotFound
	}

	sh.mu.Lock()
	value, found := sh.entries.Get(entryID)
	sh.mu.Unlock()
	if found {
		return value.(models.Entry), nil
	}
	// The entry finished between the index lookup and the shard read.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entry, ok := s.archive[entryID]; ok {
		return entry, nil
	}
	return models.Entry{}, store.ErrNotFound
}

func (s *Store) FindEntryByCode(ctx context.Context, code string) (models.Entry, error) {
	s.mu.RLock()
	entryID, ok := s.latestByCode[code]
	s.mu.RUnlock()
	if !ok {
		return models.Entry{}, store.ErrNotFound
	}
	return s.GetEntry(ctx, entryID)
}

func (s *Store) ListOverdue(_ context.Context, servingBefore time.Time, limit int) ([]models.Entry, error) {
	s.mu.RLock()
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.RUnlock()

	var overdue []models.Entry
	for _, sh := range shards {
		sh.mu.Lock()
		for _, value := range sh.entries.Values() {
			entry := value.(models.Entry)
			if entry.Status == models.StatusServing && entry.ServingStartedAt != nil && entry.ServingStartedAt.Before(servingBefore) {
				overdue = append(overdue, entry)
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(overdue, func(i, j int) bool { return overdue[i].ServingStartedAt.Before(*overdue[j].ServingStartedAt) })
	if limit > 0 && len(overdue) > limit {
		overdue = overdue[:limit]
	}
	return overdue, nil
}

func (s *Store) CountHistory(_ context.Context, filter store.HistoryFilter) (int, error) {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()
	count := 0
	for _, record := range s.history {
		if matches(record, filter) {
			count++
		}
	}
	return count, nil
}

func (s *Store) WaitStats(_ context.Context, filter store.HistoryFilter) (store.WaitStats, error) {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()
	var stats store.WaitStats
	for _, record := range s.history {
		if !matches(record, filter) || record.WaitSeconds == nil {
			continue
		}
		stats.Count++
		stats.TotalSeconds += *record.WaitSeconds
	}
	if stats.Count > 0 {
		stats.AvgSeconds = float64(stats.TotalSeconds) / float64(stats.Count)
	}
	return stats, nil
}

// RecentWaits returns up to limit of the station's latest recorded waits,
// newest first.
func (s *Store) RecentWaits(_ context.Context, stationID string, limit int) ([]int64, error) {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()
	if limit <= 0 {
		return nil, nil
	}
	if limit <= recentWaitWindow {
		window, ok := s.recent[stationID]
		if !ok {
			return nil, nil
		}
		values := window.Values()
		waits := make([]int64, 0, limit)
		for i := len(values) - 1; i >= 0 && len(waits) < limit; i-- {
			waits = append(waits, values[i].(int64))
		}
		return waits, nil
	}
	var waits []int64
	for i := len(s.history) - 1; i >= 0 && len(waits) < limit; i-- {
		record := s.history[i]
		if record.StationID == stationID && record.WaitSeconds != nil {
			waits = append(waits, *record.WaitSeconds)
		}
	}
	return waits, nil
}

// ListHistory returns matching records newest first.
func (s *Store) ListHistory(_ context.Context, filter store.HistoryFilter) ([]models.HistoryRecord, error) {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()
	var records []models.HistoryRecord
	for i := len(s.history) - 1; i >= 0; i-- {
		if filter.Limit > 0 && len(records) >= filter.Limit {
			break
		}
		if matches(s.history[i], filter) {
			records = append(records, s.history[i])
		}
	}
	return records, nil
}

func matches(record models.HistoryRecord, filter store.HistoryFilter) bool {
	if filter.OrganizationID != "" && record.OrganizationID != filter.OrganizationID {
		return false
	}
	if filter.StationID != "" && record.StationID != filter.StationID {
		return false
	}
	if filter.Status != "" && record.Status != filter.Status {
		return false
	}
	if filter.DeferredOnly && record.Deferrals == 0 {
		return false
	}
	return true
}

func (s *Store) shard(stationID string) (*shard, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.shards[stationID]
	return sh, ok
}

// Atomic locks the stations' shards in id order and hands fn private
// copies of them. The copies replace the shards only if fn succeeds and
// the result still satisfies the line invariants.
func (s *Store) Atomic(ctx context.Context, stationIDs []string, fn func(tx store.Tx) error) error {
	ids := uniqueSorted(stationIDs)
	locked := make([]*shard, 0, len(ids))
	for _, id := range ids {
		sh, ok := s.shard(id)
		if !ok {
			return fmt.Errorf("station %s: %w", id, store.ErrNotFound)
		}
		locked = append(locked, sh)
	}
	for _, sh := range locked {
		sh.mu.Lock()
	}
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{store: s, shards: make(map[string]*txShard, len(locked))}
	for _, sh := range locked {
		tx.shards[sh.station.StationID] = &txShard{station: sh.station, entries: cloneEntries(sh.entries)}
	}
	if err := fn(tx); err != nil {
		return err
	}
	for id, pending := range tx.shards {
		if err := checkLine(pending.entries); err != nil {
			return fmt.Errorf("station %s: %w", id, err)
		}
	}
	return s.commit(locked, tx)
}

func (s *Store) commit(locked []*shard, tx *memTx) error {
	s.mu.Lock()
	for _, pending := range tx.shards {
		for _, value := range pending.entries.Values() {
			entry := value.(models.Entry)
			if !entry.Open() {
				continue
			}
			if holder, ok := s.openCodes[entry.Code]; ok && holder != entry.EntryID {
				s.mu.Unlock()
				return fmt.Errorf("ticket code %s: %w", entry.Code, store.ErrConflict)
			}
		}
	}

	for _, sh := range locked {
		pending := tx.shards[sh.station.StationID]
		sh.station = pending.station
		kept := linkedhashmap.New()
		for _, key := range pending.entries.Keys() {
			value, _ := pending.entries.Get(key)
			entry := value.(models.Entry)
			s.entryStation[entry.EntryID] = entry.StationID
			if entry.Open() {
				s.openCodes[entry.Code] = entry.EntryID
				kept.Put(key, entry)
				continue
			}
			if s.openCodes[entry.Code] == entry.EntryID {
				delete(s.openCodes, entry.Code)
			}
			s.archive[entry.EntryID] = entry
		}
		sh.entries = kept
	}
	for _, entryID := range tx.inserted {
		stationID := s.entryStation[entryID]
		if value, ok := s.shards[stationID].entries.Get(entryID); ok {
			s.latestByCode[value.(models.Entry).Code] = entryID
		} else if entry, ok := s.archive[entryID]; ok {
			s.latestByCode[entry.Code] = entryID
		}
	}
	s.mu.Unlock()

	if len(tx.history) == 0 {
		return nil
	}
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	for _, record := range tx.history {
		s.history = append(s.history, record)
		if record.WaitSeconds == nil {
			continue
		}
		window, ok := s.recent[record.StationID]
		if !ok {
			window = linkedlistqueue.New()
			s.recent[record.StationID] = window
		}
		if window.Size() >= recentWaitWindow {
			window.Dequeue()
		}
		window.Enqueue(*record.WaitSeconds)
	}
	return nil
}

type txShard struct {
	station models.Station
	entries *linkedhashmap.Map
}

type memTx struct {
	store    *Store
	shards   map[string]*txShard
	inserted []string
	history  []models.HistoryRecord
}

func (tx *memTx) shard(stationID string) (*txShard, error) {
	sh, ok := tx.shards[stationID]
	if !ok {
		return nil, fmt.Errorf("station %s is not held by this transaction: %w", stationID, store.ErrNotFound)
	}
	return sh, nil
}

func (tx *memTx) Station(_ context.Context, stationID string) (models.Station, error) {
	sh, err := tx.shard(stationID)
	if err != nil {
		return models.Station{}, err
	}
	return sh.station, nil
}

func (tx *memTx) SetStationActive(_ context.Context, stationID string, active bool) error {
	sh, err := tx.shard(stationID)
	if err != nil {
		return err
	}
	sh.station.Active = active
	return nil
}

func (tx *memTx) Entry(_ context.Context, entryID string) (models.Entry, error) {
	for _, sh := range tx.shards {
		if value, ok := sh.entries.Get(entryID); ok {
			return value.(models.Entry), nil
		}
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	if entry, ok := tx.store.archive[entryID]; ok {
		return entry, nil
	}
	return models.Entry{}, store.ErrNotFound
}

func (tx *memTx) Waiting(_ context.Context, stationID string) ([]models.Entry, error) {
	sh, err := tx.shard(stationID)
	if err != nil {
		return nil, err
	}
	var waiting []models.Entry
	for _, value := range sh.entries.Values() {
		if entry := value.(models.Entry); entry.Status == models.StatusWaiting {
			waiting = append(waiting, entry)
		}
	}
	sort.SliceStable(waiting, func(i, j int) bool {
		if waiting[i].Position != waiting[j].Position {
			return waiting[i].Position < waiting[j].Position
		}
		return waiting[i].ArrivedAt.Before(waiting[j].ArrivedAt)
	})
	return waiting, nil
}

func (tx *memTx) Serving(_ context.Context, stationID string) (models.Entry, bool, error) {
	sh, err := tx.shard(stationID)
	if err != nil {
		return models.Entry{}, false, err
	}
	for _, value := range sh.entries.Values() {
		if entry := value.(models.Entry); entry.Status == models.StatusServing {
			return entry, true, nil
		}
	}
	return models.Entry{}, false, nil
}

func (tx *memTx) CodeInUse(_ context.Context, code string) (bool, error) {
	for _, sh := range tx.shards {
		for _, value := range sh.entries.Values() {
			if entry := value.(models.Entry); entry.Code == code && entry.Open() {
				return true, nil
			}
		}
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	_, held := tx.store.openCodes[code]
	return held, nil
}

func (tx *memTx) InsertEntry(_ context.Context, entry models.Entry) error {
	sh, err := tx.shard(entry.StationID)
	if err != nil {
		return err
	}
	if _, exists := sh.entries.Get(entry.EntryID); exists {
		return fmt.Errorf("entry %s: %w", entry.EntryID, store.ErrConflict)
	}
	sh.entries.Put(entry.EntryID, entry)
	tx.inserted = append(tx.inserted, entry.EntryID)
	return nil
}

func (tx *memTx) UpdateEntry(_ context.Context, entry models.Entry) error {
	sh, err := tx.shard(entry.StationID)
	if err != nil {
		return err
	}
	if _, exists := sh.entries.Get(entry.EntryID); !exists {
		return fmt.Errorf("entry %s: %w", entry.EntryID, store.ErrNotFound)
	}
	sh.entries.Put(entry.EntryID, entry)
	return nil
}

func (tx *memTx) AppendHistory(_ context.Context, record models.HistoryRecord) error {
	if _, err := tx.shard(record.StationID); err != nil {
		return err
	}
	tx.history = append(tx.history, record)
	return nil
}

func cloneEntries(src *linkedhashmap.Map) *linkedhashmap.Map {
	dst := linkedhashmap.New()
	src.Each(func(key, value interface{}) {
		dst.Put(key, value)
	})
	return dst
}

// checkLine rejects a station state with gaps or duplicates among waiting
// positions, or with more than one entry serving.
func checkLine(entries *linkedhashmap.Map) error {
	var waiting []int
	serving := 0
	for _, value := range entries.Values() {
		entry := value.(models.Entry)
		switch entry.Status {
		case models.StatusWaiting:
			waiting = append(waiting, entry.Position)
		case models.StatusServing:
			serving++
		}
	}
	if serving > 1 {
		return fmt.Errorf("%d entries serving", serving)
	}
	sort.Ints(waiting)
	for i, position := range waiting {
		if position != i+1 {
			return fmt.Errorf("waiting positions %v are not 1..%d", waiting, len(waiting))
		}
	}
	return nil
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
