package relayhub

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

var (
	errEntityNotFound = errors.New("entity not found")
	errEntityExists   = errors.New("entity already exists")
)

type revisionConflict struct {
	expected string
	current  string
}

func (e *revisionConflict) Error() string {
	return "revision conflict: expected " + e.expected + ", current " + e.current
}

// EntityResult is the body of every successful entity write.
type EntityResult struct {
	ID       string          `json:"id"`
	Revision string          `json:"revision"`
	Record   json.RawMessage `json:"record,omitempty"`
}

type entity struct {
	revision int
	record   map[string]any
}

// entityStore is a small in-memory system of record keyed by type and id.
// Revisions start at 1 and count every accepted write.
type entityStore struct {
	mu   sync.Mutex
	data map[string]map[string]*entity
}

func newEntityStore() *entityStore {
	return &entityStore{data: map[string]map[string]*entity{}}
}

func (s *entityStore) create(entityType string, record map[string]any) (EntityResult, error) {
	id, _ := record["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.bucket(entityType)
	if _, ok := byID[id]; ok {
		return EntityResult{}, errEntityExists
	}
	record["id"] = id
	e := &entity{revision: 1, record: record}
	byID[id] = e
	return e.result(id)
}

// put replaces or creates the entity. ifMatch, when set, must equal the
// current revision; "0" asserts the entity does not exist yet.
func (s *entityStore) put(entityType, id, ifMatch string, record map[string]any) (EntityResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.bucket(entityType)
	e, ok := byID[id]
	current := "0"
	if ok {
		current = strconv.Itoa(e.revision)
	}
	if ifMatch != "" && ifMatch != current {
		return EntityResult{}, &revisionConflict{expected: ifMatch, current: current}
	}
	record["id"] = id
	if !ok {
		e = &entity{}
		byID[id] = e
	}
	e.revision++
	e.record = record
	return e.result(id)
}

func (s *entityStore) get(entityType, id string) (EntityResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[entityType][id]
	if !ok {
		return EntityResult{}, errEntityNotFound
	}
	return e.result(id)
}

func (s *entityStore) delete(entityType, id, ifMatch string) (EntityResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.data[entityType]
	e, ok := byID[id]
	if !ok {
		return EntityResult{}, errEntityNotFound
	}
	current := strconv.Itoa(e.revision)
	if ifMatch != "" && ifMatch != current {
		return EntityResult{}, &revisionConflict{expected: ifMatch, current: current}
	}
	delete(byID, id)
	return EntityResult{ID: id, Revision: current}, nil
}

func (s *entityStore) bucket(entityType string) map[string]*entity {
	byID, ok := s.data[entityType]
	if !ok {
		byID = map[string]*entity{}
		s.data[entityType] = byID
	}
	return byID
}

func (e *entity) result(id string) (EntityResult, error) {
	raw, err := json.Marshal(e.record)
	if err != nil {
		return EntityResult{}, err
	}
	return EntityResult{ID: id, Revision: strconv.Itoa(e.revision), Record: raw}, nil
}
