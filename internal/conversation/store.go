package conversation

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/shakedshoshan/SkillUp-sub001/internal/domain"
	"github.com/shakedshoshan/SkillUp-sub001/internal/shared"
)

const (
	// DefaultTTL is the session lifetime after last activity.
	DefaultTTL = 60 * time.Minute
	// DefaultHistoryLimit is the number of turns retained per session.
	DefaultHistoryLimit = 50

	maxSessionIDLength = 128
)

// StoreConfig configures a Store.
type StoreConfig struct {
	TTL          time.Duration
	HistoryLimit int
	Now          func() time.Time
	Logger       *slog.Logger
}

// Store keeps conversation sessions in memory, bounded by TTL.
//
// Records are copy-on-write: every mutation clones the current record,
// changes the clone and publishes it, so readers load a consistent value
// without locking. All mutations of one session id run inside that id's
// critical section; different ids never contend.
type Store struct {
	ttl          time.Duration
	historyLimit int
	now          func() time.Time
	logger       *slog.Logger

	locks   *shared.KeyedMutex
	records sync.Map // sessionID -> *domain.ConversationSession
	users   sync.Map // userID -> *userIndex
}

type userIndex struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	dead bool
}

// NewStore creates a session store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		ttl:          cfg.TTL,
		historyLimit: cfg.HistoryLimit,
		now:          cfg.Now,
		logger:       cfg.Logger,
		locks:        shared.NewKeyedMutex(),
	}
}

// HistoryLimit returns the number of retained turns per session.
func (s *Store) HistoryLimit() int { return s.historyLimit }

// GetOrCreate returns the live session for sessionID with its activity
// refreshed, or creates it. An empty sessionID gets a server-generated id.
// The initial context is only applied on creation.
func (s *Store) GetOrCreate(sessionID, userID string, initial *domain.PartialContext) (*domain.ConversationSession, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	if initial != nil {
		if err := validatePartial(*initial); err != nil {
			return nil, err
		}
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	now := s.now()
	if current := s.load(sessionID); current != nil {
		if !current.IsExpired(now, s.ttl) {
			next := current.Clone()
			next.LastActivity = now
			if next.UserID == "" {
				next.UserID = userID
			}
			s.records.Store(sessionID, next)
			if next.UserID != "" {
				s.indexAdd(next.UserID, sessionID)
			}
			return next.Clone(), nil
		}
		s.evictLocked(current)
	}

	ctx := domain.DefaultContext()
	if initial != nil {
		ctx = ApplyPartial(ctx, *initial)
	}

	session := &domain.ConversationSession{
		SessionID:    sessionID,
		UserID:       userID,
		Context:      ctx,
		History:      []domain.Turn{},
		CreatedAt:    now,
		LastActivity: now,
	}
	s.records.Store(sessionID, session)
	if userID != "" {
		s.indexAdd(userID, sessionID)
	}

	s.logger.Info("Conversation session created", "session_id", sessionID, "user_id", userID)
	return session.Clone(), nil
}

// Mutate runs fn on a working copy of the live session inside the session's
// critical section. The copy is committed with refreshed activity only when
// fn returns nil; on error the stored record is left untouched.
func (s *Store) Mutate(sessionID string, fn func(session *domain.ConversationSession) error) (*domain.ConversationSession, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	current, err := s.liveLocked(sessionID)
	if err != nil {
		return nil, err
	}

	working := current.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}

	working.SessionID = current.SessionID
	working.UserID = current.UserID
	working.LastActivity = s.now()
	if len(working.History) > s.historyLimit {
		working.History = slices.Clone(working.History[len(working.History)-s.historyLimit:])
	}
	s.records.Store(sessionID, working)
	return working.Clone(), nil
}

// GetHistory returns the most recent limit turns, oldest first.
// A non-positive limit returns every retained turn.
func (s *Store) GetHistory(sessionID string, limit int) ([]domain.Turn, error) {
	session, err := s.live(sessionID)
	if err != nil {
		return nil, err
	}
	history := session.History
	if limit > 0 && limit < len(history) {
		history = history[len(history)-limit:]
	}
	return slices.Clone(history), nil
}

// GetContext returns a copy of the session context.
func (s *Store) GetContext(sessionID string) (domain.ConversationContext, error) {
	session, err := s.live(sessionID)
	if err != nil {
		return domain.ConversationContext{}, err
	}
	return session.Context.Clone(), nil
}

// UpdateContext applies an explicit partial update to the session context.
func (s *Store) UpdateContext(sessionID string, partial domain.PartialContext) (*domain.ConversationSession, error) {
	if err := validatePartial(partial); err != nil {
		return nil, err
	}
	return s.Mutate(sessionID, func(session *domain.ConversationSession) error {
		session.Context = ApplyPartial(session.Context, partial)
		return nil
	})
}

// ListByUser returns summaries of the user's live sessions, most recently
// active first. Stale index entries are dropped along the way.
func (s *Store) ListByUser(userID string) []domain.SessionSummary {
	v, ok := s.users.Load(userID)
	if !ok {
		return []domain.SessionSummary{}
	}
	idx := v.(*userIndex)

	idx.mu.Lock()
	ids := make([]string, 0, len(idx.ids))
	for id := range idx.ids {
		ids = append(ids, id)
	}
	idx.mu.Unlock()

	now := s.now()
	summaries := make([]domain.SessionSummary, 0, len(ids))
	for _, id := range ids {
		session := s.load(id)
		if session == nil || session.UserID != userID || session.IsExpired(now, s.ttl) {
			s.removeIfStale(userID, id)
			continue
		}
		summaries = append(summaries, session.Summary())
	}

	slices.SortFunc(summaries, func(a, b domain.SessionSummary) int {
		if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return summaries
}

// Delete removes the session and its user index entry. Deleting an absent
// session is not an error.
func (s *Store) Delete(sessionID string) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	if current := s.load(sessionID); current != nil {
		s.evictLocked(current)
		s.logger.Info("Conversation session deleted", "session_id", sessionID)
	}
}

// Stats returns derived statistics for the session.
func (s *Store) Stats(sessionID string) (domain.SessionStats, error) {
	session, err := s.live(sessionID)
	if err != nil {
		return domain.SessionStats{}, err
	}
	return session.Stats(), nil
}

// Export returns a deep point-in-time copy of the session.
func (s *Store) Export(sessionID string) (*domain.ConversationSession, error) {
	session, err := s.live(sessionID)
	if err != nil {
		return nil, err
	}
	return session.Clone(), nil
}

// Import upserts a snapshot wholesale. CreatedAt, context, history and
// message count are kept from the snapshot; LastActivity is set to now so
// an imported record starts a fresh TTL window.
func (s *Store) Import(snapshot *domain.ConversationSession) (*domain.ConversationSession, error) {
	if snapshot == nil {
		return nil, goerr.Wrap(domain.ErrValidation, "snapshot is required")
	}
	if err := validateSessionID(snapshot.SessionID); err != nil {
		return nil, err
	}
	if snapshot.Context.ConversationStage == "" {
		snapshot = snapshot.Clone()
		snapshot.Context.ConversationStage = domain.StageDiscovery
	}
	if !snapshot.Context.ConversationStage.IsValid() {
		return nil, goerr.Wrap(domain.ErrValidation, "invalid conversation stage",
			goerr.V("stage", snapshot.Context.ConversationStage))
	}
	for _, turn := range snapshot.History {
		if !turn.Role.IsValid() {
			return nil, goerr.Wrap(domain.ErrValidation, "invalid turn role", goerr.V("role", turn.Role))
		}
	}
	if snapshot.MessageCount < 0 {
		return nil, goerr.Wrap(domain.ErrValidation, "message count must not be negative")
	}

	unlock := s.locks.Lock(snapshot.SessionID)
	defer unlock()

	now := s.now()
	record := snapshot.Clone()
	record.Context.IdentifiedTopics = MergeTopics(nil, record.Context.IdentifiedTopics)
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.LastActivity = now
	if len(record.History) > s.historyLimit {
		record.History = slices.Clone(record.History[len(record.History)-s.historyLimit:])
	}

	if current := s.load(record.SessionID); current != nil && current.UserID != record.UserID && current.UserID != "" {
		s.indexRemove(current.UserID, current.SessionID)
	}
	s.records.Store(record.SessionID, record)
	if record.UserID != "" {
		s.indexAdd(record.UserID, record.SessionID)
	}

	s.logger.Info("Conversation session imported", "session_id", record.SessionID, "user_id", record.UserID)
	return record.Clone(), nil
}

// SweepExpired evicts every session past its deadline and drops user index
// entries that no longer point at a live session.
func (s *Store) SweepExpired() int {
	now := s.now()

	var expired []string
	s.records.Range(func(key, value any) bool {
		if value.(*domain.ConversationSession).IsExpired(now, s.ttl) {
			expired = append(expired, key.(string))
		}
		return true
	})

	evicted := 0
	for _, id := range expired {
		if s.evictIfExpired(id) {
			evicted++
		}
	}

	s.users.Range(func(key, value any) bool {
		userID := key.(string)
		idx := value.(*userIndex)
		idx.mu.Lock()
		var stale []string
		for id := range idx.ids {
			if session := s.load(id); session == nil || session.UserID != userID {
				stale = append(stale, id)
			}
		}
		idx.mu.Unlock()
		for _, id := range stale {
			s.removeIfStale(userID, id)
		}
		return true
	})

	if evicted > 0 {
		s.logger.Info("Expired conversation sessions swept", "count", evicted)
	}
	return evicted
}

// Name identifies the store to the TTL worker.
func (s *Store) Name() string { return "conversation_sessions" }

// Sweep implements lifecycle.Sweeper.
func (s *Store) Sweep(_ context.Context) (int, error) {
	return s.SweepExpired(), nil
}

// Len returns the number of physically stored records, expired or not.
func (s *Store) Len() int {
	n := 0
	s.records.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *Store) load(sessionID string) *domain.ConversationSession {
	v, ok := s.records.Load(sessionID)
	if !ok {
		return nil
	}
	return v.(*domain.ConversationSession)
}

// live returns the stored record if present and unexpired. The returned
// pointer is shared and must not be modified.
func (s *Store) live(sessionID string) (*domain.ConversationSession, error) {
	session := s.load(sessionID)
	if session == nil || session.IsExpired(s.now(), s.ttl) {
		return nil, goerr.Wrap(domain.ErrNotFound, "session not found", goerr.V("session_id", sessionID))
	}
	return session, nil
}

func (s *Store) liveLocked(sessionID string) (*domain.ConversationSession, error) {
	session := s.load(sessionID)
	if session == nil {
		return nil, goerr.Wrap(domain.ErrNotFound, "session not found", goerr.V("session_id", sessionID))
	}
	if session.IsExpired(s.now(), s.ttl) {
		s.evictLocked(session)
		return nil, goerr.Wrap(domain.ErrNotFound, "session expired", goerr.V("session_id", sessionID))
	}
	return session, nil
}

func (s *Store) evictIfExpired(sessionID string) bool {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	session := s.load(sessionID)
	if session == nil || !session.IsExpired(s.now(), s.ttl) {
		return false
	}
	s.evictLocked(session)
	s.logger.Debug("Conversation session expired", "session_id", sessionID, "user_id", session.UserID)
	return true
}

// removeIfStale re-checks the index entry inside the session's critical
// section and drops it only if it still does not point at a live session
// owned by userID.
func (s *Store) removeIfStale(userID, sessionID string) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	session := s.load(sessionID)
	switch {
	case session == nil || session.UserID != userID:
		s.indexRemove(userID, sessionID)
	case session.IsExpired(s.now(), s.ttl):
		s.evictLocked(session)
		s.logger.Debug("Conversation session expired", "session_id", sessionID, "user_id", userID)
	}
}

// evictLocked must be called inside the session's critical section.
func (s *Store) evictLocked(session *domain.ConversationSession) {
	s.records.CompareAndDelete(session.SessionID, session)
	if session.UserID != "" {
		s.indexRemove(session.UserID, session.SessionID)
	}
}

func (s *Store) indexAdd(userID, sessionID string) {
	for {
		v, _ := s.users.LoadOrStore(userID, &userIndex{ids: make(map[string]struct{})})
		idx := v.(*userIndex)
		idx.mu.Lock()
		if idx.dead {
			idx.mu.Unlock()
			continue
		}
		idx.ids[sessionID] = struct{}{}
		idx.mu.Unlock()
		return
	}
}

func (s *Store) indexRemove(userID, sessionID string) {
	v, ok := s.users.Load(userID)
	if !ok {
		return
	}
	idx := v.(*userIndex)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.ids, sessionID)
	if len(idx.ids) == 0 && !idx.dead {
		idx.dead = true
		s.users.CompareAndDelete(userID, idx)
	}
}

func validateSessionID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return goerr.Wrap(domain.ErrValidation, "session_id is required")
	}
	if len(sessionID) > maxSessionIDLength {
		return goerr.Wrap(domain.ErrValidation, "session_id is too long", goerr.V("length", len(sessionID)))
	}
	return nil
}

func validatePartial(p domain.PartialContext) error {
	if p.ConversationStage != nil && !p.ConversationStage.IsValid() {
		return goerr.Wrap(domain.ErrValidation, "invalid conversation stage", goerr.V("stage", *p.ConversationStage))
	}
	return nil
}
