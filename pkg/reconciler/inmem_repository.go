package reconciler

import (
	"context"
	"sync"
	"time"
)

// InMemoryRepository is a UserRepository kept in process memory. It
// enforces oauth identifier uniqueness like the database does and counts
// writes and id reads.
type InMemoryRepository struct {
	mu      sync.Mutex
	tables  map[string]map[int64]Record
	deleted map[string]map[int64]bool
	nextID  int64
	now     func() time.Time

	inserts   int
	updates   int
	readsByID int
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		tables:  make(map[string]map[int64]Record),
		deleted: make(map[string]map[int64]bool),
		now:     time.Now,
	}
}

// WithClock sets the clock used for timestamps.
func (r *InMemoryRepository) WithClock(now func() time.Time) *InMemoryRepository {
	r.now = now
	return r
}

// Counts returns how many inserts, updates and reads by id were served.
func (r *InMemoryRepository) Counts() (inserts, updates, readsByID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inserts, r.updates, r.readsByID
}

// MarkDeleted hides a row from lookups.
func (r *InMemoryRepository) MarkDeleted(table string, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted[table] == nil {
		r.deleted[table] = make(map[int64]bool)
	}
	r.deleted[table][id] = true
}

func (r *InMemoryRepository) live(table string) []Record {
	var out []Record
	for id, rec := range r.tables[table] {
		if !r.deleted[table][id] {
			out = append(out, rec)
		}
	}
	return out
}

func (r *InMemoryRepository) FindByOAuthIdentifier(_ context.Context, table, oauthIdentifier string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if oauthIdentifier == "" {
		return nil, ErrUserNotFound
	}
	for _, rec := range r.live(table) {
		if rec.OAuthIdentifier == oauthIdentifier {
			return &rec, nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *InMemoryRepository) FindByUsernameOrEmail(_ context.Context, table, username, email string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *Record
	for _, rec := range r.live(table) {
		if rec.Username == username || (email != "" && rec.Email == email) {
			if found == nil || rec.ID < found.ID {
				found = &rec
			}
		}
	}
	if found == nil {
		return nil, ErrUserNotFound
	}
	return found, nil
}

func (r *InMemoryRepository) FindByID(_ context.Context, table string, id int64) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readsByID++
	rec, ok := r.tables[table][id]
	if !ok || r.deleted[table][id] {
		return nil, ErrUserNotFound
	}
	return &rec, nil
}

func (r *InMemoryRepository) Insert(_ context.Context, table string, rec Record) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taken(table, rec.OAuthIdentifier, 0) {
		return 0, ErrConflict
	}
	if r.tables[table] == nil {
		r.tables[table] = make(map[int64]Record)
	}
	r.nextID++
	r.inserts++
	rec.ID = r.nextID
	rec.CreatedAt = r.now()
	rec.UpdatedAt = rec.CreatedAt
	r.tables[table][rec.ID] = rec
	return rec.ID, nil
}

func (r *InMemoryRepository) Update(_ context.Context, table string, rec Record) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.tables[table][rec.ID]
	if !ok {
		return nil, ErrUserNotFound
	}
	if r.taken(table, rec.OAuthIdentifier, rec.ID) {
		return nil, ErrConflict
	}
	r.updates++
	rec.CreatedAt = old.CreatedAt
	rec.UpdatedAt = r.now()
	r.tables[table][rec.ID] = rec
	return &rec, nil
}

// taken reports whether another row, deleted ones included, holds the
// oauth identifier.
func (r *InMemoryRepository) taken(table, oauthIdentifier string, self int64) bool {
	if oauthIdentifier == "" {
		return false
	}
	for id, rec := range r.tables[table] {
		if id != self && rec.OAuthIdentifier == oauthIdentifier {
			return true
		}
	}
	return false
}
