// Package vault is the Knowledge Vault: a note lifecycle manager with
// weighted lexical retrieval, deviation detection, and an append-only
// audit log. Concurrent mutations are serialized under one lock; reads
// may run concurrently with each other but not with a write.
package vault

import (
	"fmt"
	"sync"
	"time"

	"github.com/nexoraai/orchestrator/pkg/domain"
)

// AuditEntry is one append-only record of a lifecycle action.
type AuditEntry struct {
	LogID     string
	NoteID    string
	Action    string
	Actor     string
	Timestamp time.Time
	Metadata  map[string]any
}

// Vault stores knowledge notes and their audit trail.
type Vault struct {
	mu    sync.RWMutex
	notes map[string]domain.KnowledgeNote
	audit []AuditEntry

	now func() time.Time
}

// New constructs an empty Vault.
func New() *Vault {
	return &Vault{
		notes: make(map[string]domain.KnowledgeNote),
		now:   time.Now,
	}
}

func (v *Vault) appendAudit(noteID, action, actor string, meta map[string]any) {
	v.audit = append(v.audit, AuditEntry{
		LogID:     fmt.Sprintf("log-%d", len(v.audit)+1),
		NoteID:    noteID,
		Action:    action,
		Actor:     actor,
		Timestamp: v.now(),
		Metadata:  meta,
	})
}

// Create adds a new note in the draft state.
func (v *Vault) Create(note domain.KnowledgeNote, actor string) (domain.KnowledgeNote, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.notes[note.NoteID]; exists {
		return domain.KnowledgeNote{}, fmt.Errorf("note %s already exists", note.NoteID)
	}
	note.Status = domain.NoteDraft
	note.Version = 1
	note.CreatedAt = v.now()
	note.UpdatedAt = note.CreatedAt
	v.notes[note.NoteID] = note
	v.appendAudit(note.NoteID, "create", actor, nil)
	return note, nil
}

// legalTransitions enumerates the allowed status transitions:
// draft->pending_user, pending_user->{approved, draft},
// approved->archived.
var legalTransitions = map[domain.NoteStatus][]domain.NoteStatus{
	domain.NoteDraft:       {domain.NotePendingUser},
	domain.NotePendingUser: {domain.NoteApproved, domain.NoteDraft},
	domain.NoteApproved:    {domain.NoteArchived},
}

func canTransition(from, to domain.NoteStatus) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (v *Vault) transition(noteID string, to domain.NoteStatus, actor, action string) (domain.KnowledgeNote, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n, ok := v.notes[noteID]
	if !ok {
		return domain.KnowledgeNote{}, fmt.Errorf("note %s not found", noteID)
	}
	if !canTransition(n.Status, to) {
		return domain.KnowledgeNote{}, fmt.Errorf("illegal transition %s -> %s for note %s", n.Status, to, noteID)
	}
	n.Status = to
	n.UpdatedAt = v.now()
	if to == domain.NoteApproved {
		n.ApprovedBy = actor
		n.ApprovedAt = n.UpdatedAt
	}
	v.notes[noteID] = n
	v.appendAudit(noteID, action, actor, nil)
	return n, nil
}

// Submit moves a draft note to pending_user.
func (v *Vault) Submit(noteID, actor string) (domain.KnowledgeNote, error) {
	return v.transition(noteID, domain.NotePendingUser, actor, "submit")
}

// Approve moves a pending_user note to approved; after this call the
// note's content and tags are immutable until archived.
func (v *Vault) Approve(noteID, actor string) (domain.KnowledgeNote, error) {
	return v.transition(noteID, domain.NoteApproved, actor, "approve")
}

// Reject moves a pending_user note back to draft.
func (v *Vault) Reject(noteID, actor string) (domain.KnowledgeNote, error) {
	return v.transition(noteID, domain.NoteDraft, actor, "reject")
}

// Archive moves an approved note to archived.
func (v *Vault) Archive(noteID, actor string) (domain.KnowledgeNote, error) {
	return v.transition(noteID, domain.NoteArchived, actor, "archive")
}

// Update mutates a draft note's content/tags in place, bumping its
// version. Approved (and archived) notes reject any update.
func (v *Vault) Update(noteID, content string, tags []string, actor string) (domain.KnowledgeNote, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n, ok := v.notes[noteID]
	if !ok {
		return domain.KnowledgeNote{}, fmt.Errorf("note %s not found", noteID)
	}
	if n.Status == domain.NoteApproved || n.Status == domain.NoteArchived {
		return domain.KnowledgeNote{}, fmt.Errorf("note %s is %s and immutable", noteID, n.Status)
	}
	n.Content = content
	n.Tags = tags
	n.Version++
	n.UpdatedAt = v.now()
	v.notes[noteID] = n
	v.appendAudit(noteID, "update", actor, nil)
	return n, nil
}

// Get returns one note by id.
func (v *Vault) Get(noteID string) (domain.KnowledgeNote, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n, ok := v.notes[noteID]
	return n, ok
}

// List returns every note, for use by the inspector sweep and tests.
func (v *Vault) List() []domain.KnowledgeNote {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]domain.KnowledgeNote, 0, len(v.notes))
	for _, n := range v.notes {
		out = append(out, n)
	}
	return out
}

// Audit returns a copy of the append-only audit log.
func (v *Vault) Audit() []AuditEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]AuditEntry, len(v.audit))
	copy(out, v.audit)
	return out
}
