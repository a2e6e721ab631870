package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"envoybot/internal/domain"
)

// memoryStore is a dependency-free in-process backend.
//
// It mirrors the sqlite predicates exactly so the exchange pipeline behaves
// identically on either driver. All state is lost on restart; intended for
// tests and dry runs.
type memoryStore struct {
	mu sync.Mutex

	chats     map[int64]domain.RegisteredChat
	templates map[int64]domain.SlotTemplate
	relations map[[2]int64]time.Time

	slots      map[int64]*domain.SlotInstance
	candidates map[int64]*domain.Candidate
	polls      map[int64]*domain.Poll
	outbox     map[int64]*domain.OutboxEntry

	nextID int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		chats:      map[int64]domain.RegisteredChat{},
		templates:  map[int64]domain.SlotTemplate{},
		relations:  map[[2]int64]time.Time{},
		slots:      map[int64]*domain.SlotInstance{},
		candidates: map[int64]*domain.Candidate{},
		polls:      map[int64]*domain.Poll{},
		outbox:     map[int64]*domain.OutboxEntry{},
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

// ---- chats & templates ----

func (m *memoryStore) UpsertChat(ctx context.Context, c domain.RegisteredChat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[c.ID] = c
	return nil
}

func (m *memoryStore) GetChat(ctx context.Context, id int64) (domain.RegisteredChat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[id]
	if !ok {
		return domain.RegisteredChat{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memoryStore) UpsertTemplate(ctx context.Context, t domain.SlotTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = t
	return nil
}

func (m *memoryStore) GetTemplate(ctx context.Context, id int64) (domain.SlotTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return domain.SlotTemplate{}, domain.ErrNotFound
	}
	return t, nil
}

// ---- relations ----

func (m *memoryStore) AddRelation(ctx context.Context, source, target int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int64{source, target}
	if _, ok := m.relations[key]; !ok {
		m.relations[key] = at
	}
	return nil
}

func (m *memoryStore) RemoveRelation(ctx context.Context, source, target int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.relations, [2]int64{source, target})
	return nil
}

func (m *memoryStore) HasRelation(ctx context.Context, source, target int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.relations[[2]int64{source, target}]
	return ok, nil
}

func (m *memoryStore) ListMutualPairs(ctx context.Context) ([]domain.Relation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Relation
	for key, at := range m.relations {
		if _, ok := m.relations[[2]int64{key[1], key[0]}]; ok {
			out = append(out, domain.Relation{SourceChatID: key[0], TargetChatID: key[1], CreatedAt: at})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceChatID != out[j].SourceChatID {
			return out[i].SourceChatID < out[j].SourceChatID
		}
		return out[i].TargetChatID < out[j].TargetChatID
	})
	return out, nil
}

// ---- slot instances ----

func (m *memoryStore) CreateSlotInstance(ctx context.Context, s domain.SlotInstance) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.slots {
		if ex.Date == s.Date && ex.TemplateID == s.TemplateID &&
			ex.SourceChatID == s.SourceChatID && ex.TargetChatID == s.TargetChatID {
			return 0, domain.ErrConflict
		}
	}
	s.ID = m.id()
	cp := s
	m.slots[s.ID] = &cp
	return s.ID, nil
}

func (m *memoryStore) SlotInstanceExists(ctx context.Context, date string, templateID, source, target int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		if s.Date == date && s.TemplateID == templateID &&
			s.SourceChatID == source && s.TargetChatID == target {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryStore) FindSlotInstance(ctx context.Context, date string, templateID, source, target int64) (domain.SlotInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		if s.Date == date && s.TemplateID == templateID &&
			s.SourceChatID == source && s.TargetChatID == target {
			return *s, nil
		}
	}
	return domain.SlotInstance{}, domain.ErrNotFound
}

func (m *memoryStore) SetSlotStatus(ctx context.Context, id int64, st domain.SlotStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[id]; ok {
		s.Status = st
	}
	return nil
}

func (m *memoryStore) DeleteSlotInstance(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, id)
	for cid, c := range m.candidates {
		if c.SlotInstanceID == id {
			delete(m.candidates, cid)
		}
	}
	for pid, p := range m.polls {
		if p.SlotInstanceID == id {
			delete(m.polls, pid)
		}
	}
	for oid, o := range m.outbox {
		if o.SlotInstanceID == id {
			delete(m.outbox, oid)
		}
	}
	return nil
}

func (m *memoryStore) pollForSlot(slotID int64) *domain.Poll {
	for _, p := range m.polls {
		if p.SlotInstanceID == slotID {
			return p
		}
	}
	return nil
}

func (m *memoryStore) outboxForSlot(slotID int64) *domain.OutboxEntry {
	for _, o := range m.outbox {
		if o.SlotInstanceID == slotID {
			return o
		}
	}
	return nil
}

func (m *memoryStore) ListOpenableSlots(ctx context.Context, date string, minute int) ([]OpenableSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OpenableSlot
	for _, s := range m.slots {
		if s.Status != domain.SlotCollecting || s.Date != date {
			continue
		}
		t, ok := m.templates[s.TemplateID]
		if !ok {
			continue
		}
		if minute < int(t.VoteStartAt) || minute >= int(t.VoteEndAt) {
			continue
		}
		if m.pollForSlot(s.ID) != nil {
			continue
		}
		out = append(out, OpenableSlot{Slot: *s, Template: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot.ID < out[j].Slot.ID })
	return out, nil
}

// ---- candidates ----

func (m *memoryStore) AddCandidate(ctx context.Context, c domain.Candidate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.candidates {
		if ex.SlotInstanceID == c.SlotInstanceID && ex.ExternalMessageID == c.ExternalMessageID {
			return 0, domain.ErrConflict
		}
	}
	c.ID = m.id()
	cp := c
	m.candidates[c.ID] = &cp
	return c.ID, nil
}

func (m *memoryStore) CountCandidates(ctx context.Context, slotID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.candidates {
		if c.SlotInstanceID == slotID {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) ListCandidates(ctx context.Context, slotID int64, limit int) ([]domain.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Candidate
	for _, c := range m.candidates {
		if c.SlotInstanceID == slotID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) WithdrawCandidate(ctx context.Context, slotID int64, externalMessageID int, requesterID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.slots[slotID]
	if !ok || slot.Status != domain.SlotCollecting {
		return 0, nil
	}
	if m.pollForSlot(slotID) != nil || m.outboxForSlot(slotID) != nil {
		return 0, nil
	}
	var removed int64
	for id, c := range m.candidates {
		if c.SlotInstanceID == slotID && c.ExternalMessageID == externalMessageID &&
			(c.AuthorID == requesterID || c.SubmitterID == requesterID) {
			delete(m.candidates, id)
			removed++
		}
	}
	return removed, nil
}

func (m *memoryStore) CandidateByExternalID(ctx context.Context, slotID int64, externalMessageID int) (domain.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.candidates {
		if c.SlotInstanceID == slotID && c.ExternalMessageID == externalMessageID {
			return *c, nil
		}
	}
	return domain.Candidate{}, domain.ErrNotFound
}

// ---- polls ----

func (m *memoryStore) CreatePoll(ctx context.Context, p domain.Poll) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollForSlot(p.SlotInstanceID) != nil {
		return 0, domain.ErrConflict
	}
	p.ID = m.id()
	cp := p
	m.polls[p.ID] = &cp
	return p.ID, nil
}

func (m *memoryStore) ClosePoll(ctx context.Context, pollID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.polls[pollID]; ok {
		p.Status = domain.PollClosed
		t := at
		p.ClosedAt = &t
	}
	return nil
}

func (m *memoryStore) DeletePoll(ctx context.Context, pollID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.polls, pollID)
	return nil
}

func windowElapsed(slotDate, date string, minute, endMinute int) bool {
	if slotDate < date {
		return true
	}
	return slotDate == date && minute > endMinute
}

func (m *memoryStore) ListExpiredPolls(ctx context.Context, date string, minute int) ([]ExpiredPoll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ExpiredPoll
	for _, p := range m.polls {
		if p.Status != domain.PollOpened {
			continue
		}
		slot, ok := m.slots[p.SlotInstanceID]
		if !ok {
			continue
		}
		t, ok := m.templates[slot.TemplateID]
		if !ok {
			continue
		}
		if !windowElapsed(slot.Date, date, minute, int(t.VoteEndAt)) {
			continue
		}
		out = append(out, ExpiredPoll{Poll: *p, Slot: *slot, Template: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Poll.ID < out[j].Poll.ID })
	return out, nil
}

// ---- outbox ----

func (m *memoryStore) CreateOutboxEntry(ctx context.Context, e domain.OutboxEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outboxForSlot(e.SlotInstanceID) != nil {
		return 0, domain.ErrConflict
	}
	e.ID = m.id()
	cp := e
	m.outbox[e.ID] = &cp
	return e.ID, nil
}

func (m *memoryStore) ListDueOutbox(ctx context.Context, date string, minute int) ([]DueDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DueDelivery
	for _, o := range m.outbox {
		if o.Status != domain.OutboxPending || o.SentAt != nil || o.Attempts >= domain.MaxDispatchAttempts {
			continue
		}
		slot, ok := m.slots[o.SlotInstanceID]
		if !ok {
			continue
		}
		t, ok := m.templates[slot.TemplateID]
		if !ok {
			continue
		}
		if !windowElapsed(slot.Date, date, minute, int(t.VoteEndAt)) {
			continue
		}
		cand, ok := m.candidates[o.CandidateID]
		if !ok {
			continue
		}
		out = append(out, DueDelivery{Entry: *o, Slot: *slot, Candidate: *cand})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry.ID < out[j].Entry.ID })
	return out, nil
}

func (m *memoryStore) RecordDispatchFailure(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.outbox[id]; ok && o.Status == domain.OutboxPending {
		o.Attempts++
	}
	return nil
}

func (m *memoryStore) RecordDispatchSuccess(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.outbox[id]; ok && o.Status == domain.OutboxPending {
		o.Attempts++
		o.Status = domain.OutboxSent
		t := at
		o.SentAt = &t
	}
	return nil
}
