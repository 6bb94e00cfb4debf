package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/farm-market/internal/apperr"
	"github.com/example/farm-market/internal/models"
)

// MemoryStore keeps every record in process. WithTx holds the write lock for
// the whole unit and stages writes in an overlay that is applied on success.
// Units that call the escrow provider keep the lock for that call, so reads
// can wait up to ESCROW_TIMEOUT. It is meant for development and tests; run
// with PG_DSN when concurrent reads must not stall.
type MemoryStore struct {
	mu       sync.RWMutex
	lots     *table[models.ProduceLot]
	bids     *table[models.ProductBid]
	requests *table[models.DeliveryRequest]
	quotes   *table[models.Quote]
	jobs     *table[models.DriverJob]
	intents  *table[models.PaymentIntent]
	tags     *table[models.DriverTag]
	reader   memReader
}

func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		lots:     newTable[models.ProduceLot](nil),
		bids:     newTable[models.ProductBid](nil),
		requests: newTable[models.DeliveryRequest](nil),
		quotes:   newTable[models.Quote](nil),
		jobs:     newTable(models.DriverJob.Clone),
		intents:  newTable[models.PaymentIntent](nil),
		tags:     newTable[models.DriverTag](nil),
	}
	m.reader = memReader{
		lock: func() func() {
			m.mu.RLock()
			return m.mu.RUnlock
		},
		lots: m.lots, bids: m.bids, requests: m.requests, quotes: m.quotes,
		jobs: m.jobs, intents: m.intents, tags: m.tags,
	}
	return m
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		lots:     newOverlay(m.lots),
		bids:     newOverlay(m.bids),
		requests: newOverlay(m.requests),
		quotes:   newOverlay(m.quotes),
		jobs:     newOverlay(m.jobs),
		intents:  newOverlay(m.intents),
		tags:     newOverlay(m.tags),
	}
	tx.memReader = memReader{
		lock: func() func() { return func() {} },
		lots: tx.lots, bids: tx.bids, requests: tx.requests, quotes: tx.quotes,
		jobs: tx.jobs, intents: tx.intents, tags: tx.tags,
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.lots.commit()
	tx.bids.commit()
	tx.requests.commit()
	tx.quotes.commit()
	tx.jobs.commit()
	tx.intents.commit()
	tx.tags.commit()
	return nil
}

func (m *MemoryStore) AppendCheckpoint(ctx context.Context, jobID string, cp models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs.get(jobID)
	if !ok {
		return apperr.NotFound("job %s", jobID)
	}
	job.Checkpoints = append(job.Checkpoints, cp)
	job.UpdatedAt = time.Now().UTC()
	m.jobs.put(jobID, job)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) GetLot(ctx context.Context, id string) (*models.ProduceLot, error) {
	return m.reader.GetLot(ctx, id)
}

func (m *MemoryStore) ListLots(ctx context.Context, statuses ...models.LotStatus) ([]models.ProduceLot, error) {
	return m.reader.ListLots(ctx, statuses...)
}

func (m *MemoryStore) GetBid(ctx context.Context, id string) (*models.ProductBid, error) {
	return m.reader.GetBid(ctx, id)
}

func (m *MemoryStore) ListBids(ctx context.Context, f BidFilter) ([]models.ProductBid, error) {
	return m.reader.ListBids(ctx, f)
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (*models.DeliveryRequest, error) {
	return m.reader.GetRequest(ctx, id)
}

func (m *MemoryStore) ListRequests(ctx context.Context, f RequestFilter) ([]models.DeliveryRequest, error) {
	return m.reader.ListRequests(ctx, f)
}

func (m *MemoryStore) GetQuote(ctx context.Context, id string) (*models.Quote, error) {
	return m.reader.GetQuote(ctx, id)
}

func (m *MemoryStore) ListQuotes(ctx context.Context, f QuoteFilter) ([]models.Quote, error) {
	return m.reader.ListQuotes(ctx, f)
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*models.DriverJob, error) {
	return m.reader.GetJob(ctx, id)
}

func (m *MemoryStore) ListJobs(ctx context.Context, f JobFilter) ([]models.DriverJob, error) {
	return m.reader.ListJobs(ctx, f)
}

func (m *MemoryStore) GetIntent(ctx context.Context, id string) (*models.PaymentIntent, error) {
	return m.reader.GetIntent(ctx, id)
}

func (m *MemoryStore) ListIntents(ctx context.Context, f IntentFilter) ([]models.PaymentIntent, error) {
	return m.reader.ListIntents(ctx, f)
}

func (m *MemoryStore) GetTag(ctx context.Context, id string) (*models.DriverTag, error) {
	return m.reader.GetTag(ctx, id)
}

func (m *MemoryStore) FindTag(ctx context.Context, tagID string) (*models.DriverTag, error) {
	return m.reader.FindTag(ctx, tagID)
}

func (m *MemoryStore) ListTags(ctx context.Context, driverID string, activeOnly bool) ([]models.DriverTag, error) {
	return m.reader.ListTags(ctx, driverID, activeOnly)
}

type memReader struct {
	lock     func() func()
	lots     rowset[models.ProduceLot]
	bids     rowset[models.ProductBid]
	requests rowset[models.DeliveryRequest]
	quotes   rowset[models.Quote]
	jobs     rowset[models.DriverJob]
	intents  rowset[models.PaymentIntent]
	tags     rowset[models.DriverTag]
}

func (r memReader) GetLot(_ context.Context, id string) (*models.ProduceLot, error) {
	defer r.lock()()
	return lookup(r.lots, id, "lot")
}

func (r memReader) ListLots(_ context.Context, statuses ...models.LotStatus) ([]models.ProduceLot, error) {
	defer r.lock()()
	return collect(r.lots, func(l models.ProduceLot) bool { return containsStatus(statuses, l.Status) }), nil
}

func (r memReader) GetBid(_ context.Context, id string) (*models.ProductBid, error) {
	defer r.lock()()
	return lookup(r.bids, id, "bid")
}

func (r memReader) ListBids(_ context.Context, f BidFilter) ([]models.ProductBid, error) {
	defer r.lock()()
	return collect(r.bids, func(b models.ProductBid) bool {
		return (f.LotID == "" || b.LotID == f.LotID) &&
			(f.BuyerID == "" || b.BuyerID == f.BuyerID) &&
			containsStatus(f.Statuses, b.Status)
	}), nil
}

func (r memReader) GetRequest(_ context.Context, id string) (*models.DeliveryRequest, error) {
	defer r.lock()()
	return lookup(r.requests, id, "request")
}

func (r memReader) ListRequests(_ context.Context, f RequestFilter) ([]models.DeliveryRequest, error) {
	defer r.lock()()
	return collect(r.requests, func(d models.DeliveryRequest) bool {
		return (f.BuyerID == "" || d.BuyerID == f.BuyerID) && containsStatus(f.Statuses, d.Status)
	}), nil
}

func (r memReader) GetQuote(_ context.Context, id string) (*models.Quote, error) {
	defer r.lock()()
	return lookup(r.quotes, id, "quote")
}

func (r memReader) ListQuotes(_ context.Context, f QuoteFilter) ([]models.Quote, error) {
	defer r.lock()()
	return collect(r.quotes, func(q models.Quote) bool {
		return (f.RequestID == "" || q.RequestID == f.RequestID) &&
			(f.DriverID == "" || q.DriverID == f.DriverID) &&
			containsStatus(f.Statuses, q.Status)
	}), nil
}

func (r memReader) GetJob(_ context.Context, id string) (*models.DriverJob, error) {
	defer r.lock()()
	return lookup(r.jobs, id, "job")
}

func (r memReader) ListJobs(_ context.Context, f JobFilter) ([]models.DriverJob, error) {
	defer r.lock()()
	return collect(r.jobs, func(j models.DriverJob) bool {
		return (f.DriverID == "" || j.AcceptedBy == f.DriverID) &&
			(f.QuoteID == "" || j.AcceptedQuoteID == f.QuoteID) &&
			containsStatus(f.Statuses, j.Status)
	}), nil
}

func (r memReader) GetIntent(_ context.Context, id string) (*models.PaymentIntent, error) {
	defer r.lock()()
	return lookup(r.intents, id, "payment intent")
}

func (r memReader) ListIntents(_ context.Context, f IntentFilter) ([]models.PaymentIntent, error) {
	defer r.lock()()
	return collect(r.intents, func(pi models.PaymentIntent) bool {
		return (f.TargetID == "" || pi.TargetID == f.TargetID) &&
			(f.Type == "" || pi.Type == f.Type) &&
			containsStatus(f.Statuses, pi.Status)
	}), nil
}

func (r memReader) GetTag(_ context.Context, id string) (*models.DriverTag, error) {
	defer r.lock()()
	return lookup(r.tags, id, "tag")
}

func (r memReader) FindTag(_ context.Context, tagID string) (*models.DriverTag, error) {
	defer r.lock()()
	var out *models.DriverTag
	r.tags.scan(func(t models.DriverTag) {
		if out == nil && t.TagID == tagID {
			out = &t
		}
	})
	if out == nil {
		return nil, apperr.NotFound("tag %s", tagID)
	}
	return out, nil
}

func (r memReader) ListTags(_ context.Context, driverID string, activeOnly bool) ([]models.DriverTag, error) {
	defer r.lock()()
	return collect(r.tags, func(t models.DriverTag) bool {
		return t.DriverID == driverID && (!activeOnly || t.Active)
	}), nil
}

type memTx struct {
	memReader
	lots     *overlay[models.ProduceLot]
	bids     *overlay[models.ProductBid]
	requests *overlay[models.DeliveryRequest]
	quotes   *overlay[models.Quote]
	jobs     *overlay[models.DriverJob]
	intents  *overlay[models.PaymentIntent]
	tags     *overlay[models.DriverTag]
}

func (tx *memTx) InsertLot(_ context.Context, lot *models.ProduceLot) error {
	stamp(&lot.CreatedAt, &lot.UpdatedAt)
	return insert(tx.lots, lot.ID, *lot, "lot")
}

func (tx *memTx) UpdateLot(_ context.Context, lot *models.ProduceLot, expect models.LotStatus) error {
	return update(tx.lots, lot.ID, "lot", func(cur models.ProduceLot) bool { return cur.Status == expect }, func() models.ProduceLot {
		lot.UpdatedAt = time.Now().UTC()
		return *lot
	})
}

func (tx *memTx) InsertBid(_ context.Context, bid *models.ProductBid) error {
	stamp(&bid.CreatedAt, &bid.UpdatedAt)
	return insert(tx.bids, bid.ID, *bid, "bid")
}

func (tx *memTx) UpdateBid(_ context.Context, bid *models.ProductBid, expect models.OfferStatus) error {
	return update(tx.bids, bid.ID, "bid", func(cur models.ProductBid) bool { return cur.Status == expect }, func() models.ProductBid {
		bid.UpdatedAt = time.Now().UTC()
		return *bid
	})
}

func (tx *memTx) InsertRequest(_ context.Context, req *models.DeliveryRequest) error {
	stamp(&req.CreatedAt, &req.UpdatedAt)
	return insert(tx.requests, req.ID, *req, "request")
}

func (tx *memTx) UpdateRequest(_ context.Context, req *models.DeliveryRequest, expect models.RequestStatus) error {
	return update(tx.requests, req.ID, "request", func(cur models.DeliveryRequest) bool { return cur.Status == expect }, func() models.DeliveryRequest {
		req.UpdatedAt = time.Now().UTC()
		return *req
	})
}

func (tx *memTx) InsertQuote(_ context.Context, q *models.Quote) error {
	stamp(&q.CreatedAt, &q.UpdatedAt)
	return insert(tx.quotes, q.ID, *q, "quote")
}

func (tx *memTx) UpdateQuote(_ context.Context, q *models.Quote, expect models.OfferStatus) error {
	return update(tx.quotes, q.ID, "quote", func(cur models.Quote) bool { return cur.Status == expect }, func() models.Quote {
		q.UpdatedAt = time.Now().UTC()
		return *q
	})
}

func (tx *memTx) InsertJob(_ context.Context, job *models.DriverJob) error {
	stamp(&job.CreatedAt, &job.UpdatedAt)
	return insert(tx.jobs, job.ID, job.Clone(), "job")
}

func (tx *memTx) UpdateJob(_ context.Context, job *models.DriverJob, expect models.JobStatus) error {
	cur, ok := tx.jobs.get(job.ID)
	if !ok {
		return apperr.NotFound("job %s", job.ID)
	}
	if cur.Status != expect {
		return ErrStale
	}
	job.UpdatedAt = time.Now().UTC()
	job.Checkpoints = cur.Checkpoints
	tx.jobs.put(job.ID, *job)
	return nil
}

func (tx *memTx) AppendCheckpoint(_ context.Context, jobID string, cp models.Checkpoint) error {
	job, ok := tx.jobs.get(jobID)
	if !ok {
		return apperr.NotFound("job %s", jobID)
	}
	job.Checkpoints = append(job.Checkpoints, cp)
	job.UpdatedAt = time.Now().UTC()
	tx.jobs.put(jobID, job)
	return nil
}

func (tx *memTx) InsertIntent(_ context.Context, pi *models.PaymentIntent) error {
	stamp(&pi.CreatedAt, &pi.UpdatedAt)
	return insert(tx.intents, pi.ID, *pi, "payment intent")
}

func (tx *memTx) UpdateIntent(_ context.Context, pi *models.PaymentIntent, expect models.IntentStatus) error {
	return update(tx.intents, pi.ID, "payment intent", func(cur models.PaymentIntent) bool { return cur.Status == expect }, func() models.PaymentIntent {
		pi.UpdatedAt = time.Now().UTC()
		return *pi
	})
}

func (tx *memTx) InsertTag(_ context.Context, tag *models.DriverTag) error {
	stamp(&tag.CreatedAt, &tag.UpdatedAt)
	dup := false
	tx.tags.scan(func(t models.DriverTag) { dup = dup || t.TagID == tag.TagID })
	if dup {
		return apperr.Conflict("tag %s already registered", tag.TagID)
	}
	return insert(tx.tags, tag.ID, *tag, "tag")
}

func (tx *memTx) UpdateTag(_ context.Context, tag *models.DriverTag) error {
	return update(tx.tags, tag.ID, "tag", func(models.DriverTag) bool { return true }, func() models.DriverTag {
		tag.UpdatedAt = time.Now().UTC()
		return *tag
	})
}

func stamp(created, updated *time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	*updated = now
}

func insert[T any](o *overlay[T], id string, v T, kind string) error {
	if id == "" {
		return apperr.Validation("%s id is required", kind)
	}
	if _, ok := o.get(id); ok {
		return apperr.Conflict("%s %s already exists", kind, id)
	}
	o.put(id, v)
	return nil
}

func update[T any](o *overlay[T], id, kind string, expect func(T) bool, next func() T) error {
	cur, ok := o.get(id)
	if !ok {
		return apperr.NotFound("%s %s", kind, id)
	}
	if !expect(cur) {
		return ErrStale
	}
	o.put(id, next())
	return nil
}

func lookup[T any](rs rowset[T], id, kind string) (*T, error) {
	v, ok := rs.get(id)
	if !ok {
		return nil, apperr.NotFound("%s %s", kind, id)
	}
	return &v, nil
}

func collect[T any](rs rowset[T], keep func(T) bool) []T {
	var out []T
	rs.scan(func(v T) {
		if keep(v) {
			out = append(out, v)
		}
	})
	return out
}

type rowset[T any] interface {
	get(id string) (T, bool)
	scan(fn func(T))
}

type table[T any] struct {
	rows  map[string]T
	order []string
	clone func(T) T
}

func newTable[T any](clone func(T) T) *table[T] {
	if clone == nil {
		clone = func(v T) T { return v }
	}
	return &table[T]{rows: make(map[string]T), clone: clone}
}

func (t *table[T]) get(id string) (T, bool) {
	v, ok := t.rows[id]
	if !ok {
		return v, false
	}
	return t.clone(v), true
}

func (t *table[T]) scan(fn func(T)) {
	for _, id := range t.order {
		fn(t.clone(t.rows[id]))
	}
}

func (t *table[T]) put(id string, v T) {
	if _, ok := t.rows[id]; !ok {
		t.order = append(t.order, id)
	}
	t.rows[id] = t.clone(v)
}

// overlay stages writes on top of a table until commit.
type overlay[T any] struct {
	base   *table[T]
	staged map[string]T
	added  []string
}

func newOverlay[T any](base *table[T]) *overlay[T] {
	return &overlay[T]{base: base, staged: make(map[string]T)}
}

func (o *overlay[T]) get(id string) (T, bool) {
	if v, ok := o.staged[id]; ok {
		return o.base.clone(v), true
	}
	return o.base.get(id)
}

func (o *overlay[T]) scan(fn func(T)) {
	for _, id := range o.base.order {
		v, _ := o.get(id)
		fn(v)
	}
	for _, id := range o.added {
		v, _ := o.get(id)
		fn(v)
	}
}

func (o *overlay[T]) put(id string, v T) {
	if _, staged := o.staged[id]; !staged {
		if _, exists := o.base.rows[id]; !exists {
			o.added = append(o.added, id)
		}
	}
	o.staged[id] = o.base.clone(v)
}

func (o *overlay[T]) commit() {
	for _, id := range o.added {
		o.base.put(id, o.staged[id])
	}
	for id, v := range o.staged {
		o.base.put(id, v)
	}
}
