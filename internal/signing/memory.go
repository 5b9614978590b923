package signing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"docsign.org/internal/ids"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with in-process maps.
// Writes made inside WithinDocument are staged and applied on success only.
type MemoryStore struct {
	mu    sync.RWMutex
	docs  map[string]Document
	reqs  map[string]SignatureRequest // access token -> request
	byDoc map[string][]string         // document id -> access tokens

	lockMu sync.Mutex
	locks  map[string]*docLock

	now      func() time.Time
	newToken func() (string, error)
}

type docLock struct {
	mu   sync.Mutex
	refs int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]Document),
		reqs:     make(map[string]SignatureRequest),
		byDoc:    make(map[string][]string),
		locks:    make(map[string]*docLock),
		now:      func() time.Time { return time.Now().UTC() },
		newToken: ids.NewAccessToken,
	}
}

func (s *MemoryStore) Documents() DocumentStore { return memDocuments{s: s} }
func (s *MemoryStore) Requests() RequestStore   { return memRequests{s: s} }

// WithinDocument serializes fn against other boundaries for the same document.
func (s *MemoryStore) WithinDocument(ctx context.Context, documentID string, fn func(tx Tx) error) error {
	unlock := s.lockDocument(documentID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := s.begin(false)
	if err := fn(tx); err != nil {
		return err
	}
	s.mu.Lock()
	s.commit(tx)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) lockDocument(id string) func() {
	s.lockMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &docLock{}
		s.locks[id] = l
	}
	l.refs++
	s.lockMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.lockMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.lockMu.Unlock()
	}
}

// direct runs op against a staging area while holding the store lock for the
// whole operation, then applies the staged writes.
func (s *MemoryStore) direct(op func(tx *memTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.begin(true)
	if err := op(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) begin(locked bool) *memTx {
	return &memTx{
		s:       s,
		locked:  locked,
		docs:    make(map[string]Document),
		deleted: make(map[string]bool),
		reqs:    make(map[string]SignatureRequest),
	}
}

// commit applies staged writes. Caller holds s.mu.
func (s *MemoryStore) commit(tx *memTx) {
	for id := range tx.deleted {
		delete(s.docs, id)
		for _, tok := range s.byDoc[id] {
			delete(s.reqs, tok)
		}
		delete(s.byDoc, id)
	}
	for id, doc := range tx.docs {
		s.docs[id] = doc
	}
	for tok, req := range tx.reqs {
		if tx.deleted[req.DocumentID] {
			continue
		}
		existing, ok := s.reqs[tok]
		if !ok {
			s.byDoc[req.DocumentID] = append(s.byDoc[req.DocumentID], tok)
		} else if existing.Status.rank() > req.Status.rank() {
			// A concurrent write outside the boundary already advanced it.
			continue
		}
		s.reqs[tok] = req
	}
}

// memTx is a staging area over the committed maps.
type memTx struct {
	s       *MemoryStore
	locked  bool
	docs    map[string]Document
	deleted map[string]bool
	reqs    map[string]SignatureRequest
}

func (t *memTx) Documents() DocumentStore { return memDocuments{tx: t} }
func (t *memTx) Requests() RequestStore   { return memRequests{tx: t} }

func (t *memTx) read(fn func()) {
	if t.locked {
		fn()
		return
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	fn()
}

func (t *memTx) getDoc(id string) (Document, bool) {
	if t.deleted[id] {
		return Document{}, false
	}
	if d, ok := t.docs[id]; ok {
		return d, true
	}
	var (
		d  Document
		ok bool
	)
	t.read(func() { d, ok = t.s.docs[id] })
	return d, ok
}

func (t *memTx) getReq(token string) (SignatureRequest, bool) {
	if r, ok := t.reqs[token]; ok {
		if t.deleted[r.DocumentID] {
			return SignatureRequest{}, false
		}
		return r, true
	}
	var (
		r  SignatureRequest
		ok bool
	)
	t.read(func() { r, ok = t.s.reqs[token] })
	if ok && t.deleted[r.DocumentID] {
		return SignatureRequest{}, false
	}
	return r, ok
}

func (t *memTx) tokenTaken(token string) bool {
	if _, ok := t.reqs[token]; ok {
		return true
	}
	var ok bool
	t.read(func() { _, ok = t.s.reqs[token] })
	return ok
}

func (t *memTx) orderTaken(documentID string, order int) bool {
	for _, r := range t.reqs {
		if r.DocumentID == documentID && r.Order == order {
			return true
		}
	}
	var taken bool
	t.read(func() {
		for _, tok := range t.s.byDoc[documentID] {
			if t.s.reqs[tok].Order == order {
				taken = true
				return
			}
		}
	})
	return taken
}

// Documents ----------------------------------------------------------------

type memDocuments struct {
	s  *MemoryStore
	tx *memTx
}

func (d memDocuments) run(op func(tx *memTx) error) error {
	if d.tx != nil {
		return op(d.tx)
	}
	return d.s.direct(op)
}

func (d memDocuments) Create(ctx context.Context, doc *Document) error {
	return d.run(func(tx *memTx) error {
		if doc.ID == "" {
			doc.ID = ids.New()
		}
		if _, exists := tx.getDoc(doc.ID); exists {
			return fmt.Errorf("%w: document %s already exists", ErrStorage, doc.ID)
		}
		now := tx.s.now()
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = now
		}
		doc.UpdatedAt = now
		if doc.Status == "" {
			doc.Status = DocumentDraft
		}
		delete(tx.deleted, doc.ID)
		tx.docs[doc.ID] = doc.Clone()
		return nil
	})
}

func (d memDocuments) Get(ctx context.Context, id string) (Document, error) {
	var out Document
	err := d.run(func(tx *memTx) error {
		doc, ok := tx.getDoc(id)
		if !ok {
			return ErrNotFound
		}
		out = doc.Clone()
		return nil
	})
	return out, err
}

func (d memDocuments) Update(ctx context.Context, doc *Document) error {
	return d.run(func(tx *memTx) error {
		if _, ok := tx.getDoc(doc.ID); !ok {
			return ErrNotFound
		}
		doc.UpdatedAt = tx.s.now()
		tx.docs[doc.ID] = doc.Clone()
		return nil
	})
}

func (d memDocuments) Delete(ctx context.Context, id string) error {
	return d.run(func(tx *memTx) error {
		if _, ok := tx.getDoc(id); !ok {
			return ErrNotFound
		}
		delete(tx.docs, id)
		tx.deleted[id] = true
		return nil
	})
}

func (d memDocuments) ListByOwner(ctx context.Context, ownerID string) ([]Document, error) {
	var out []Document
	err := d.run(func(tx *memTx) error {
		seen := make(map[string]bool)
		for id, doc := range tx.docs {
			seen[id] = true
			if doc.OwnerID == ownerID {
				out = append(out, doc.Clone())
			}
		}
		tx.read(func() {
			for id, doc := range tx.s.docs {
				if seen[id] || tx.deleted[id] || doc.OwnerID != ownerID {
					continue
				}
				out = append(out, doc.Clone())
			}
		})
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, err
}

// Requests -----------------------------------------------------------------

type memRequests struct {
	s  *MemoryStore
	tx *memTx
}

func (r memRequests) run(op func(tx *memTx) error) error {
	if r.tx != nil {
		return op(r.tx)
	}
	return r.s.direct(op)
}

func (r memRequests) Create(ctx context.Context, documentID, signerEmail, signerName string, order int) (SignatureRequest, error) {
	var out SignatureRequest
	err := r.run(func(tx *memTx) error {
		if _, ok := tx.getDoc(documentID); !ok {
			return fmt.Errorf("%w: document %s does not exist", ErrStorage, documentID)
		}
		if tx.orderTaken(documentID, order) {
			return fmt.Errorf("%w: order %d already used on document %s", ErrStorage, order, documentID)
		}
		var token string
		for {
			tok, err := tx.s.newToken()
			if err != nil {
				return fmt.Errorf("%w: generate access token: %v", ErrStorage, err)
			}
			if !tx.tokenTaken(tok) {
				token = tok
				break
			}
		}
		out = SignatureRequest{
			ID:          ids.New(),
			DocumentID:  documentID,
			SignerEmail: signerEmail,
			SignerName:  signerName,
			AccessToken: token,
			Order:       order,
			Status:      RequestPending,
			CreatedAt:   tx.s.now(),
		}
		tx.reqs[token] = out
		return nil
	})
	if err != nil {
		return SignatureRequest{}, err
	}
	return out, nil
}

func (r memRequests) FindByToken(ctx context.Context, token string) (SignatureRequest, error) {
	var out SignatureRequest
	err := r.run(func(tx *memTx) error {
		req, ok := tx.getReq(token)
		if !ok {
			return ErrNotFound
		}
		out = req
		out.SignedAt = cloneTime(req.SignedAt)
		return nil
	})
	return out, err
}

func (r memRequests) UpdateStatus(ctx context.Context, token string, status RequestStatus, signedAt *time.Time) error {
	return r.run(func(tx *memTx) error {
		req, ok := tx.getReq(token)
		if !ok {
			return ErrNotFound
		}
		if err := CheckTransition(req.Status, status); err != nil {
			return fmt.Errorf("%w: %s -> %s", err, req.Status, status)
		}
		if req.Status == status {
			return nil
		}
		req.Status = status
		if status == RequestSigned {
			req.SignedAt = cloneTime(signedAt)
			if req.SignedAt == nil {
				now := tx.s.now()
				req.SignedAt = &now
			}
		}
		tx.reqs[token] = req
		return nil
	})
}

func (r memRequests) ListForDocument(ctx context.Context, documentID string) ([]SignatureRequest, error) {
	var out []SignatureRequest
	err := r.run(func(tx *memTx) error {
		if tx.deleted[documentID] {
			return nil
		}
		seen := make(map[string]bool)
		for tok, req := range tx.reqs {
			if req.DocumentID == documentID {
				seen[tok] = true
				out = append(out, req)
			}
		}
		tx.read(func() {
			for _, tok := range tx.s.byDoc[documentID] {
				if seen[tok] {
					continue
				}
				out = append(out, tx.s.reqs[tok])
			}
		})
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order == out[j].Order {
			return out[i].ID < out[j].ID
		}
		return out[i].Order < out[j].Order
	})
	return out, err
}
