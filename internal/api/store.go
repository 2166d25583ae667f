package api

import (
	"container/list"
	"sync"
)

const defaultStoreSize = 256

// CaptionStore keeps the most recent caption responses by id. When full,
// the oldest record is evicted.
type CaptionStore struct {
	mu    sync.Mutex
	limit int
	order *list.List
	byID  map[string]*list.Element
}

func NewCaptionStore(limit int) *CaptionStore {
	if limit <= 0 {
		limit = defaultStoreSize
	}
	return &CaptionStore{
		limit: limit,
		order: list.New(),
		byID:  make(map[string]*list.Element),
	}
}

func (s *CaptionStore) Put(resp CaptionResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.byID[resp.ID]; ok {
		el.Value = resp
		return
	}
	s.byID[resp.ID] = s.order.PushBack(resp)
	for s.order.Len() > s.limit {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.byID, oldest.Value.(CaptionResponse).ID)
	}
}

func (s *CaptionStore) Get(id string) (CaptionResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.byID[id]
	if !ok {
		return CaptionResponse{}, false
	}
	return el.Value.(CaptionResponse), true
}

func (s *CaptionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.byID[id]
	if !ok {
		return false
	}
	s.order.Remove(el)
	delete(s.byID, id)
	return true
}

func (s *CaptionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
