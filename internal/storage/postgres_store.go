package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/example/farm-market/internal/apperr"
	"github.com/example/farm-market/internal/models"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresStore persists the marketplace in Postgres. Conditional updates
// compile to UPDATE ... WHERE id = $1 AND status = $2, so two transactions
// racing on the same record serialize on its row lock and the loser sees
// zero affected rows.
type PostgresStore struct {
	pgRW
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStoreFromDB(db), nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		pgRW: pgRW{q: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)},
		db:   db,
	}
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(pgRW{q: tx, sb: p.sb, inTx: true}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapErr(err)
	}
	return nil
}

func (r pgRW) AppendCheckpoint(ctx context.Context, jobID string, cp models.Checkpoint) error {
	b, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	query, args, err := r.sb.Update("driver_jobs").
		Set("checkpoints", sq.Expr("checkpoints || ?::jsonb", string(b))).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": jobID}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return mapErr(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("job %s", jobID)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// pgRW implements Reader and Writer over either the pool or an open tx.
type pgRW struct {
	q    queryer
	sb   sq.StatementBuilderType
	inTx bool
}

const (
	lotColumns     = "id, farmer_id, produce_type, description, quantity, unit, reserve_price, pickup, status, awarded_bid_id, created_at, updated_at"
	bidColumns     = "id, lot_id, buyer_id, amount, quantity, units, note, status, created_at, updated_at"
	requestColumns = "id, buyer_id, farmer_id, produce_type, quantity, unit, pickup, dropoff, notes, lot_id, product_bid_id, status, chosen_quote_id, job_id, created_at, updated_at"
	quoteColumns   = "id, request_id, driver_id, amount, currency, eta_minutes, note, status, created_at, updated_at"
	jobColumns     = "id, reference_no, buyer_id, farmer_id, product_lot_id, request_id, accepted_quote_id, accepted_by, commodity, quantity, unit, payment_amount, pickup, dropoff, instructions, farmer_code, buyer_code, status, accepted_at, picked_up_at, completed_at, checkpoints, created_at, updated_at"
	intentColumns  = "id, target_id, buyer_id, driver_id, amount, currency, type, status, provider, provider_ref, created_at, updated_at"
	tagColumns     = "id, driver_id, tag_id, ndef_text, active, created_at, updated_at"
)

func (r pgRW) GetLot(ctx context.Context, id string) (*models.ProduceLot, error) {
	return queryOne(ctx, r.q, r.sb.Select(lotColumns).From("produce_lots").Where(sq.Eq{"id": id}), scanLot, "lot "+id)
}

func (r pgRW) ListLots(ctx context.Context, statuses ...models.LotStatus) ([]models.ProduceLot, error) {
	b := r.sb.Select(lotColumns).From("produce_lots").OrderBy("created_at ASC")
	if len(statuses) > 0 {
		b = b.Where(sq.Eq{"status": strs(statuses)})
	}
	return queryAll(ctx, r.q, b, scanLot)
}

func (r pgRW) GetBid(ctx context.Context, id string) (*models.ProductBid, error) {
	return queryOne(ctx, r.q, r.sb.Select(bidColumns).From("product_bids").Where(sq.Eq{"id": id}), scanBid, "bid "+id)
}

func (r pgRW) ListBids(ctx context.Context, f BidFilter) ([]models.ProductBid, error) {
	b := r.sb.Select(bidColumns).From("product_bids").OrderBy("created_at ASC")
	if f.LotID != "" {
		b = b.Where(sq.Eq{"lot_id": f.LotID})
	}
	if f.BuyerID != "" {
		b = b.Where(sq.Eq{"buyer_id": f.BuyerID})
	}
	if len(f.Statuses) > 0 {
		b = b.Where(sq.Eq{"status": strs(f.Statuses)})
	}
	return queryAll(ctx, r.q, b, scanBid)
}

func (r pgRW) GetRequest(ctx context.Context, id string) (*models.DeliveryRequest, error) {
	return queryOne(ctx, r.q, r.sb.Select(requestColumns).From("delivery_requests").Where(sq.Eq{"id": id}), scanRequest, "request "+id)
}

func (r pgRW) ListRequests(ctx context.Context, f RequestFilter) ([]models.DeliveryRequest, error) {
	b := r.sb.Select(requestColumns).From("delivery_requests").OrderBy("created_at ASC")
	if f.BuyerID != "" {
		b = b.Where(sq.Eq{"buyer_id": f.BuyerID})
	}
	if len(f.Statuses) > 0 {
		b = b.Where(sq.Eq{"status": strs(f.Statuses)})
	}
	return queryAll(ctx, r.q, b, scanRequest)
}

func (r pgRW) GetQuote(ctx context.Context, id string) (*models.Quote, error) {
	return queryOne(ctx, r.q, r.sb.Select(quoteColumns).From("quotes").Where(sq.Eq{"id": id}), scanQuote, "quote "+id)
}

func (r pgRW) ListQuotes(ctx context.Context, f QuoteFilter) ([]models.Quote, error) {
	b := r.sb.Select(quoteColumns).From("quotes").OrderBy("created_at ASC")
	if f.RequestID != "" {
		b = b.Where(sq.Eq{"request_id": f.RequestID})
	}
	if f.DriverID != "" {
		b = b.Where(sq.Eq{"driver_id": f.DriverID})
	}
	if len(f.Statuses) > 0 {
		b = b.Where(sq.Eq{"status": strs(f.Statuses)})
	}
	return queryAll(ctx, r.q, b, scanQuote)
}

// GetJob locks the row inside a transaction. Job transitions guard on more
// than status (pickup checks picked_up_at), so a second unit must wait and
// re-read instead of passing the same guard.
func (r pgRW) GetJob(ctx context.Context, id string) (*models.DriverJob, error) {
	b := r.sb.Select(jobColumns).From("driver_jobs").Where(sq.Eq{"id": id})
	if r.inTx {
		b = b.Suffix("FOR UPDATE")
	}
	return queryOne(ctx, r.q, b, scanJob, "job "+id)
}

func (r pgRW) ListJobs(ctx context.Context, f JobFilter) ([]models.DriverJob, error) {
	b := r.sb.Select(jobColumns).From("driver_jobs").OrderBy("created_at ASC")
	if f.DriverID != "" {
		b = b.Where(sq.Eq{"accepted_by": f.DriverID})
	}
	if f.QuoteID != "" {
		b = b.Where(sq.Eq{"accepted_quote_id": f.QuoteID})
	}
	if len(f.Statuses) > 0 {
		b = b.Where(sq.Eq{"status": strs(f.Statuses)})
	}
	return queryAll(ctx, r.q, b, scanJob)
}

func (r pgRW) GetIntent(ctx context.Context, id string) (*models.PaymentIntent, error) {
	return queryOne(ctx, r.q, r.sb.Select(intentColumns).From("payment_intents").Where(sq.Eq{"id": id}), scanIntent, "payment intent "+id)
}

func (r pgRW) ListIntents(ctx context.Context, f IntentFilter) ([]models.PaymentIntent, error) {
	b := r.sb.Select(intentColumns).From("payment_intents").OrderBy("created_at ASC")
	if f.TargetID != "" {
		b = b.Where(sq.Eq{"target_id": f.TargetID})
	}
	if f.Type != "" {
		b = b.Where(sq.Eq{"type": string(f.Type)})
	}
	if len(f.Statuses) > 0 {
		b = b.Where(sq.Eq{"status": strs(f.Statuses)})
	}
	return queryAll(ctx, r.q, b, scanIntent)
}

func (r pgRW) GetTag(ctx context.Context, id string) (*models.DriverTag, error) {
	return queryOne(ctx, r.q, r.sb.Select(tagColumns).From("driver_tags").Where(sq.Eq{"id": id}), scanTag, "tag "+id)
}

func (r pgRW) FindTag(ctx context.Context, tagID string) (*models.DriverTag, error) {
	return queryOne(ctx, r.q, r.sb.Select(tagColumns).From("driver_tags").Where(sq.Eq{"tag_id": tagID}), scanTag, "tag "+tagID)
}

func (r pgRW) ListTags(ctx context.Context, driverID string, activeOnly bool) ([]models.DriverTag, error) {
	b := r.sb.Select(tagColumns).From("driver_tags").Where(sq.Eq{"driver_id": driverID}).OrderBy("created_at ASC")
	if activeOnly {
		b = b.Where(sq.Eq{"active": true})
	}
	return queryAll(ctx, r.q, b, scanTag)
}

func (r pgRW) InsertLot(ctx context.Context, lot *models.ProduceLot) error {
	stamp(&lot.CreatedAt, &lot.UpdatedAt)
	pickup, err := jsonText(lot.Pickup)
	if err != nil {
		return err
	}
	return r.exec(ctx, r.sb.Insert("produce_lots").SetMap(map[string]any{
		"id": lot.ID, "farmer_id": lot.FarmerID, "produce_type": lot.ProduceType,
		"description": lot.Description, "quantity": lot.Quantity, "unit": lot.Unit,
		"reserve_price": lot.ReservePrice, "pickup": pickup, "status": string(lot.Status),
		"awarded_bid_id": lot.AwardedBidID, "created_at": lot.CreatedAt, "updated_at": lot.UpdatedAt,
	}))
}

func (r pgRW) UpdateLot(ctx context.Context, lot *models.ProduceLot, expect models.LotStatus) error {
	lot.UpdatedAt = time.Now().UTC()
	pickup, err := jsonText(lot.Pickup)
	if err != nil {
		return err
	}
	return r.conditional(ctx, "produce_lots", "lot", lot.ID, string(expect), map[string]any{
		"produce_type": lot.ProduceType, "description": lot.Description, "quantity": lot.Quantity,
		"unit": lot.Unit, "reserve_price": lot.ReservePrice, "pickup": pickup,
		"status": string(lot.Status), "awarded_bid_id": lot.AwardedBidID, "updated_at": lot.UpdatedAt,
	})
}

func (r pgRW) InsertBid(ctx context.Context, bid *models.ProductBid) error {
	stamp(&bid.CreatedAt, &bid.UpdatedAt)
	return r.exec(ctx, r.sb.Insert("product_bids").SetMap(map[string]any{
		"id": bid.ID, "lot_id": bid.LotID, "buyer_id": bid.BuyerID, "amount": bid.Amount,
		"quantity": bid.Quantity, "units": bid.Units, "note": bid.Note, "status": string(bid.Status),
		"created_at": bid.CreatedAt, "updated_at": bid.UpdatedAt,
	}))
}

func (r pgRW) UpdateBid(ctx context.Context, bid *models.ProductBid, expect models.OfferStatus) error {
	bid.UpdatedAt = time.Now().UTC()
	return r.conditional(ctx, "product_bids", "bid", bid.ID, string(expect), map[string]any{
		"amount": bid.Amount, "quantity": bid.Quantity, "units": bid.Units, "note": bid.Note,
		"status": string(bid.Status), "updated_at": bid.UpdatedAt,
	})
}

func (r pgRW) InsertRequest(ctx context.Context, req *models.DeliveryRequest) error {
	stamp(&req.CreatedAt, &req.UpdatedAt)
	pickup, err := jsonText(req.Pickup)
	if err != nil {
		return err
	}
	dropoff, err := jsonText(req.Dropoff)
	if err != nil {
		return err
	}
	return r.exec(ctx, r.sb.Insert("delivery_requests").SetMap(map[string]any{
		"id": req.ID, "buyer_id": req.BuyerID, "farmer_id": req.FarmerID, "produce_type": req.ProduceType,
		"quantity": req.Quantity, "unit": req.Unit, "pickup": pickup, "dropoff": dropoff, "notes": req.Notes,
		"lot_id": req.LotID, "product_bid_id": req.ProductBidID, "status": string(req.Status),
		"chosen_quote_id": req.ChosenQuoteID, "job_id": req.JobID,
		"created_at": req.CreatedAt, "updated_at": req.UpdatedAt,
	}))
}

func (r pgRW) UpdateRequest(ctx context.Context, req *models.DeliveryRequest, expect models.RequestStatus) error {
	req.UpdatedAt = time.Now().UTC()
	dropoff, err := jsonText(req.Dropoff)
	if err != nil {
		return err
	}
	return r.conditional(ctx, "delivery_requests", "request", req.ID, string(expect), map[string]any{
		"dropoff": dropoff, "notes": req.Notes, "status": string(req.Status),
		"chosen_quote_id": req.ChosenQuoteID, "job_id": req.JobID, "updated_at": req.UpdatedAt,
	})
}

func (r pgRW) InsertQuote(ctx context.Context, q *models.Quote) error {
	stamp(&q.CreatedAt, &q.UpdatedAt)
	return r.exec(ctx, r.sb.Insert("quotes").SetMap(map[string]any{
		"id": q.ID, "request_id": q.RequestID, "driver_id": q.DriverID, "amount": q.Amount,
		"currency": q.Currency, "eta_minutes": q.ETAMinutes, "note": q.Note, "status": string(q.Status),
		"created_at": q.CreatedAt, "updated_at": q.UpdatedAt,
	}))
}

func (r pgRW) UpdateQuote(ctx context.Context, q *models.Quote, expect models.OfferStatus) error {
	q.UpdatedAt = time.Now().UTC()
	return r.conditional(ctx, "quotes", "quote", q.ID, string(expect), map[string]any{
		"amount": q.Amount, "eta_minutes": q.ETAMinutes, "note": q.Note,
		"status": string(q.Status), "updated_at": q.UpdatedAt,
	})
}

func (r pgRW) InsertJob(ctx context.Context, job *models.DriverJob) error {
	stamp(&job.CreatedAt, &job.UpdatedAt)
	cols, err := jobValues(job)
	if err != nil {
		return err
	}
	cols["id"] = job.ID
	cols["reference_no"] = job.ReferenceNo
	cols["created_at"] = job.CreatedAt
	return r.exec(ctx, r.sb.Insert("driver_jobs").SetMap(cols))
}

func (r pgRW) UpdateJob(ctx context.Context, job *models.DriverJob, expect models.JobStatus) error {
	job.UpdatedAt = time.Now().UTC()
	cols, err := jobValues(job)
	if err != nil {
		return err
	}
	// checkpoints are appended out of band and never overwritten here
	delete(cols, "checkpoints")
	return r.conditional(ctx, "driver_jobs", "job", job.ID, string(expect), cols)
}

func jobValues(job *models.DriverJob) (map[string]any, error) {
	pickup, err := jsonText(job.Pickup)
	if err != nil {
		return nil, err
	}
	dropoff, err := jsonText(job.Dropoff)
	if err != nil {
		return nil, err
	}
	checkpoints := job.Checkpoints
	if checkpoints == nil {
		checkpoints = []models.Checkpoint{}
	}
	cps, err := jsonText(checkpoints)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"buyer_id": job.BuyerID, "farmer_id": job.FarmerID, "product_lot_id": job.ProductLotID,
		"request_id": job.RequestID, "accepted_quote_id": job.AcceptedQuoteID, "accepted_by": job.AcceptedBy,
		"commodity": job.Commodity, "quantity": job.Quantity, "unit": job.Unit,
		"payment_amount": job.PaymentAmount, "pickup": pickup, "dropoff": dropoff,
		"instructions": job.Instructions, "farmer_code": job.FarmerCode, "buyer_code": job.BuyerCode,
		"status": string(job.Status), "accepted_at": job.AcceptedAt, "picked_up_at": job.PickedUpAt,
		"completed_at": job.CompletedAt, "checkpoints": cps, "updated_at": job.UpdatedAt,
	}, nil
}

func (r pgRW) InsertIntent(ctx context.Context, pi *models.PaymentIntent) error {
	stamp(&pi.CreatedAt, &pi.UpdatedAt)
	return r.exec(ctx, r.sb.Insert("payment_intents").SetMap(map[string]any{
		"id": pi.ID, "target_id": pi.TargetID, "buyer_id": pi.BuyerID, "driver_id": pi.DriverID,
		"amount": pi.Amount, "currency": pi.Currency, "type": string(pi.Type), "status": string(pi.Status),
		"provider": pi.Provider, "provider_ref": pi.ProviderRef,
		"created_at": pi.CreatedAt, "updated_at": pi.UpdatedAt,
	}))
}

func (r pgRW) UpdateIntent(ctx context.Context, pi *models.PaymentIntent, expect models.IntentStatus) error {
	pi.UpdatedAt = time.Now().UTC()
	return r.conditional(ctx, "payment_intents", "payment intent", pi.ID, string(expect), map[string]any{
		"status": string(pi.Status), "provider_ref": pi.ProviderRef, "updated_at": pi.UpdatedAt,
	})
}

func (r pgRW) InsertTag(ctx context.Context, tag *models.DriverTag) error {
	stamp(&tag.CreatedAt, &tag.UpdatedAt)
	return r.exec(ctx, r.sb.Insert("driver_tags").SetMap(map[string]any{
		"id": tag.ID, "driver_id": tag.DriverID, "tag_id": tag.TagID, "ndef_text": tag.NDEFText,
		"active": tag.Active, "created_at": tag.CreatedAt, "updated_at": tag.UpdatedAt,
	}))
}

func (r pgRW) UpdateTag(ctx context.Context, tag *models.DriverTag) error {
	tag.UpdatedAt = time.Now().UTC()
	query, args, err := r.sb.Update("driver_tags").SetMap(map[string]any{
		"ndef_text": tag.NDEFText, "active": tag.Active, "updated_at": tag.UpdatedAt,
	}).Where(sq.Eq{"id": tag.ID}).ToSql()
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return mapErr(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("tag %s", tag.ID)
	}
	return nil
}

func (r pgRW) exec(ctx context.Context, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
		return mapErr(err)
	}
	return nil
}

// conditional applies set to the row only while its status equals expect.
func (r pgRW) conditional(ctx context.Context, table, kind, id, expect string, set map[string]any) error {
	query, args, err := r.sb.Update(table).SetMap(set).Where(sq.Eq{"id": id, "status": expect}).ToSql()
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	query, args, err = r.sb.Select("1").From(table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	var one int
	if err := r.q.QueryRowContext(ctx, query, args...).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("%s %s", kind, id)
		}
		return err
	}
	return ErrStale
}

func queryOne[T any](ctx context.Context, q queryer, b sq.SelectBuilder, scan func(rowScanner) (T, error), what string) (*T, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	v, err := scan(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("%s", what)
		}
		return nil, err
	}
	return &v, nil
}

func queryAll[T any](ctx context.Context, q queryer, b sq.SelectBuilder, scan func(rowScanner) (T, error)) ([]T, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanLot(row rowScanner) (models.ProduceLot, error) {
	var l models.ProduceLot
	var pickup []byte
	err := row.Scan(&l.ID, &l.FarmerID, &l.ProduceType, &l.Description, &l.Quantity, &l.Unit,
		&l.ReservePrice, &pickup, &l.Status, &l.AwardedBidID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return l, err
	}
	return l, json.Unmarshal(pickup, &l.Pickup)
}

func scanBid(row rowScanner) (models.ProductBid, error) {
	var b models.ProductBid
	err := row.Scan(&b.ID, &b.LotID, &b.BuyerID, &b.Amount, &b.Quantity, &b.Units, &b.Note,
		&b.Status, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func scanRequest(row rowScanner) (models.DeliveryRequest, error) {
	var d models.DeliveryRequest
	var pickup, dropoff []byte
	err := row.Scan(&d.ID, &d.BuyerID, &d.FarmerID, &d.ProduceType, &d.Quantity, &d.Unit,
		&pickup, &dropoff, &d.Notes, &d.LotID, &d.ProductBidID, &d.Status, &d.ChosenQuoteID,
		&d.JobID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal(pickup, &d.Pickup); err != nil {
		return d, err
	}
	return d, json.Unmarshal(dropoff, &d.Dropoff)
}

func scanQuote(row rowScanner) (models.Quote, error) {
	var q models.Quote
	err := row.Scan(&q.ID, &q.RequestID, &q.DriverID, &q.Amount, &q.Currency, &q.ETAMinutes,
		&q.Note, &q.Status, &q.CreatedAt, &q.UpdatedAt)
	return q, err
}

func scanJob(row rowScanner) (models.DriverJob, error) {
	var j models.DriverJob
	var pickup, dropoff, checkpoints []byte
	var acceptedAt, pickedUpAt, completedAt sql.NullTime
	err := row.Scan(&j.ID, &j.ReferenceNo, &j.BuyerID, &j.FarmerID, &j.ProductLotID, &j.RequestID,
		&j.AcceptedQuoteID, &j.AcceptedBy, &j.Commodity, &j.Quantity, &j.Unit, &j.PaymentAmount,
		&pickup, &dropoff, &j.Instructions, &j.FarmerCode, &j.BuyerCode, &j.Status,
		&acceptedAt, &pickedUpAt, &completedAt, &checkpoints, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return j, err
	}
	j.AcceptedAt = nullTime(acceptedAt)
	j.PickedUpAt = nullTime(pickedUpAt)
	j.CompletedAt = nullTime(completedAt)
	if err := json.Unmarshal(pickup, &j.Pickup); err != nil {
		return j, err
	}
	if err := json.Unmarshal(dropoff, &j.Dropoff); err != nil {
		return j, err
	}
	return j, json.Unmarshal(checkpoints, &j.Checkpoints)
}

func scanIntent(row rowScanner) (models.PaymentIntent, error) {
	var pi models.PaymentIntent
	err := row.Scan(&pi.ID, &pi.TargetID, &pi.BuyerID, &pi.DriverID, &pi.Amount, &pi.Currency,
		&pi.Type, &pi.Status, &pi.Provider, &pi.ProviderRef, &pi.CreatedAt, &pi.UpdatedAt)
	return pi, err
}

func scanTag(row rowScanner) (models.DriverTag, error) {
	var t models.DriverTag
	err := row.Scan(&t.ID, &t.DriverID, &t.TagID, &t.NDEFText, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func jsonText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func strs[S ~string](in []S) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// mapErr turns unique and serialization violations into conflicts.
func mapErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", apperr.ErrConflict, pqErr.Detail)
		case "40001":
			return ErrStale
		}
	}
	return err
}
