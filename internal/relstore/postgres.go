package relstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlxtypes "github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/memory"
)

//go:embed schema.sql
var schemaSQL string

const selectColumns = `id, content, content_hash, context, importance, tier,
	created_at, last_accessed_at, access_count, metadata, vault_scope,
	pending_embedding, quarantined`

// Postgres implements Store on PostgreSQL via sqlx and lib/pq.
type Postgres struct {
	db     *sqlx.DB
	logger *zap.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres opens a connection pool and verifies connectivity.
func NewPostgres(ctx context.Context, cfg config.RelationalConfig, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.DSN.IsSet() {
		return nil, fmt.Errorf("%w: postgres dsn is required", memory.ErrInvalid)
	}

	db, err := sqlx.Open("postgres", cfg.DSN.Value())
	if err != nil {
		return nil, fmt.Errorf("%w: opening postgres: %v", memory.ErrStoreUnavailable, err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: pinging postgres: %v", memory.ErrStoreUnavailable, err)
	}

	logger.Info("connected to postgres",
		zap.Int("max_open_conns", maxOpen),
		zap.Int("max_idle_conns", maxIdle),
	)

	return &Postgres{db: db, logger: logger}, nil
}

// EnsureSchema creates the memories table and indexes when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return classify(fmt.Errorf("applying schema: %w", err))
	}
	return nil
}

// row is the sqlx column mapping for the memories table.
type row struct {
	ID               string             `db:"id"`
	Content          string             `db:"content"`
	ContentHash      string             `db:"content_hash"`
	Context          string             `db:"context"`
	Importance       float64            `db:"importance"`
	Tier             string             `db:"tier"`
	CreatedAt        time.Time          `db:"created_at"`
	LastAccessedAt   time.Time          `db:"last_accessed_at"`
	AccessCount      int64              `db:"access_count"`
	Metadata         sqlxtypes.JSONText `db:"metadata"`
	VaultScope       string             `db:"vault_scope"`
	PendingEmbedding bool               `db:"pending_embedding"`
	Quarantined      bool               `db:"quarantined"`
}

func toRow(m *memory.Memory) (*row, error) {
	meta := m.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling metadata: %v", memory.ErrInvalid, err)
	}
	return &row{
		ID:               m.ID,
		Content:          m.Content,
		ContentHash:      m.ContentHash,
		Context:          m.Context,
		Importance:       m.Importance,
		Tier:             string(m.Tier),
		CreatedAt:        m.CreatedAt.UTC(),
		LastAccessedAt:   m.LastAccessedAt.UTC(),
		AccessCount:      m.AccessCount,
		Metadata:         sqlxtypes.JSONText(metaJSON),
		VaultScope:       string(m.VaultScope),
		PendingEmbedding: m.PendingEmbedding,
		Quarantined:      m.Quarantined,
	}, nil
}

func (r *row) toMemory() (*memory.Memory, error) {
	var meta map[string]string
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &meta); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata for %s: %w", r.ID, err)
		}
	}
	if len(meta) == 0 {
		meta = nil
	}
	return &memory.Memory{
		ID:               r.ID,
		Content:          r.Content,
		ContentHash:      r.ContentHash,
		Context:          r.Context,
		Importance:       r.Importance,
		Tier:             memory.Tier(r.Tier),
		CreatedAt:        r.CreatedAt.UTC(),
		LastAccessedAt:   r.LastAccessedAt.UTC(),
		AccessCount:      r.AccessCount,
		Metadata:         meta,
		VaultScope:       memory.VaultScope(r.VaultScope),
		PendingEmbedding: r.PendingEmbedding,
		Quarantined:      r.Quarantined,
	}, nil
}

func rowsToMemories(rows []row) ([]*memory.Memory, error) {
	out := make([]*memory.Memory, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toMemory()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Insert adds a new row.
func (p *Postgres) Insert(ctx context.Context, m *memory.Memory) (err error) {
	defer func(start time.Time) { err = observe("insert", start, err) }(time.Now())

	r, err := toRow(m)
	if err != nil {
		return err
	}
	_, err = p.db.NamedExecContext(ctx, `
		INSERT INTO memories (id, content, content_hash, context, importance, tier,
			created_at, last_accessed_at, access_count, metadata, vault_scope,
			pending_embedding, quarantined)
		VALUES (:id, :content, :content_hash, :context, :importance, :tier,
			:created_at, :last_accessed_at, :access_count, :metadata, :vault_scope,
			:pending_embedding, :quarantined)`, r)
	return classify(err)
}

// Get returns the row by id.
func (p *Postgres) Get(ctx context.Context, id string) (_ *memory.Memory, err error) {
	defer func(start time.Time) { err = observe("get", start, err) }(time.Now())

	var r row
	err = p.db.GetContext(ctx, &r, `SELECT `+selectColumns+` FROM memories WHERE id = $1`, id)
	if err != nil {
		return nil, classify(err)
	}
	return r.toMemory()
}

// GetMany returns the rows for ids, ordered to follow ids.
func (p *Postgres) GetMany(ctx context.Context, ids []string) (_ []*memory.Memory, err error) {
	defer func(start time.Time) { err = observe("get_many", start, err) }(time.Now())

	if len(ids) == 0 {
		return nil, nil
	}
	var rows []row
	err = p.db.SelectContext(ctx, &rows,
		`SELECT `+selectColumns+` FROM memories WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, classify(err)
	}

	byID := make(map[string]*row, len(rows))
	for i := range rows {
		byID[rows[i].ID] = &rows[i]
	}
	out := make([]*memory.Memory, 0, len(rows))
	for _, id := range ids {
		r, ok := byID[id]
		if !ok {
			continue
		}
		m, err := r.toMemory()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// GetByHash returns the newest row with the hash in the vault scope.
func (p *Postgres) GetByHash(ctx context.Context, hash string, scope memory.VaultScope) (_ *memory.Memory, err error) {
	defer func(start time.Time) { err = observe("get_by_hash", start, err) }(time.Now())

	var r row
	err = p.db.GetContext(ctx, &r, `
		SELECT `+selectColumns+` FROM memories
		WHERE content_hash = $1 AND vault_scope = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, hash, string(scope))
	if err != nil {
		return nil, classify(err)
	}
	return r.toMemory()
}

// Update rewrites all mutable columns.
func (p *Postgres) Update(ctx context.Context, m *memory.Memory) (err error) {
	defer func(start time.Time) { err = observe("update", start, err) }(time.Now())

	r, err := toRow(m)
	if err != nil {
		return err
	}
	res, err := p.db.NamedExecContext(ctx, `
		UPDATE memories SET
			content = :content,
			content_hash = :content_hash,
			context = :context,
			importance = :importance,
			tier = :tier,
			last_accessed_at = :last_accessed_at,
			access_count = :access_count,
			metadata = :metadata,
			vault_scope = :vault_scope,
			pending_embedding = :pending_embedding,
			quarantined = :quarantined
		WHERE id = :id`, r)
	if err != nil {
		return classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", memory.ErrNotFound, m.ID)
	}
	return nil
}

// Delete removes the row.
func (p *Postgres) Delete(ctx context.Context, id string) (err error) {
	defer func(start time.Time) { err = observe("delete", start, err) }(time.Now())

	res, err := p.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", memory.ErrNotFound, id)
	}
	return nil
}

// ExactSearch returns non-quarantined rows containing the query.
func (p *Postgres) ExactSearch(ctx context.Context, query string, f memory.Filter, limit int) (_ []*memory.Memory, err error) {
	defer func(start time.Time) { err = observe("exact_search", start, err) }(time.Now())

	sqlStr, args, err := buildExactQuery(query, f, limit)
	if err != nil {
		return nil, err
	}
	var rows []row
	if err = p.db.SelectContext(ctx, &rows, sqlStr, args...); err != nil {
		return nil, classify(err)
	}
	return rowsToMemories(rows)
}

// buildExactQuery assembles the filtered ILIKE query.
func buildExactQuery(query string, f memory.Filter, limit int) (string, []interface{}, error) {
	where := []string{"content ILIKE '%' || $1 || '%'", "NOT quarantined"}
	args := []interface{}{escapeLike(query)}

	if f.Context != "" {
		args = append(args, f.Context)
		where = append(where, fmt.Sprintf("context = $%d", len(args)))
	}
	if len(f.Tiers) > 0 {
		tiers := make([]string, len(f.Tiers))
		for i, t := range f.Tiers {
			tiers[i] = string(t)
		}
		args = append(args, pq.Array(tiers))
		where = append(where, fmt.Sprintf("tier = ANY($%d)", len(args)))
	}
	if f.VaultScope != "" {
		args = append(args, string(f.VaultScope))
		where = append(where, fmt.Sprintf("vault_scope = $%d", len(args)))
	}
	if len(f.Metadata) > 0 {
		metaJSON, err := json.Marshal(f.Metadata)
		if err != nil {
			return "", nil, fmt.Errorf("%w: marshaling metadata filter: %v", memory.ErrInvalid, err)
		}
		args = append(args, string(metaJSON))
		where = append(where, fmt.Sprintf("metadata @> $%d::jsonb", len(args)))
	}

	args = append(args, limit)
	sqlStr := `SELECT ` + selectColumns + ` FROM memories WHERE ` +
		strings.Join(where, " AND ") +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))
	return sqlStr, args, nil
}

// escapeLike escapes ILIKE wildcards in user input.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ListPage pages one tier by (created_at, id).
func (p *Postgres) ListPage(ctx context.Context, tier memory.Tier, after PageToken, limit int) (_ []*memory.Memory, _ PageToken, err error) {
	defer func(start time.Time) { err = observe("list_page", start, err) }(time.Now())

	var rows []row
	err = p.db.SelectContext(ctx, &rows, `
		SELECT `+selectColumns+` FROM memories
		WHERE tier = $1 AND NOT quarantined AND (created_at, id) > ($2, $3)
		ORDER BY created_at, id
		LIMIT $4`, string(tier), after.CreatedAt.UTC(), after.ID, limit)
	if err != nil {
		return nil, PageToken{}, classify(err)
	}

	memories, err := rowsToMemories(rows)
	if err != nil {
		return nil, PageToken{}, err
	}

	var next PageToken
	if len(memories) == limit {
		last := memories[len(memories)-1]
		next = PageToken{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return memories, next, nil
}

// ListPending returns rows awaiting a vector write.
func (p *Postgres) ListPending(ctx context.Context, limit int) (_ []*memory.Memory, err error) {
	defer func(start time.Time) { err = observe("list_pending", start, err) }(time.Now())

	var rows []row
	err = p.db.SelectContext(ctx, &rows, `
		SELECT `+selectColumns+` FROM memories
		WHERE pending_embedding AND NOT quarantined
		ORDER BY created_at, id
		LIMIT $1`, limit)
	if err != nil {
		return nil, classify(err)
	}
	return rowsToMemories(rows)
}

// BatchTouch applies aggregated access bumps in one round trip.
func (p *Postgres) BatchTouch(ctx context.Context, touches []Touch) (err error) {
	defer func(start time.Time) { err = observe("batch_touch", start, err) }(time.Now())

	if len(touches) == 0 {
		return nil
	}

	ids := make([]string, len(touches))
	counts := make([]int64, len(touches))
	ats := make([]time.Time, len(touches))
	for i, t := range touches {
		ids[i] = t.ID
		counts[i] = t.Count
		ats[i] = t.At.UTC()
	}

	_, err = p.db.ExecContext(ctx, `
		UPDATE memories m SET
			access_count = m.access_count + t.cnt,
			last_accessed_at = GREATEST(m.last_accessed_at, t.at)
		FROM (
			SELECT unnest($1::text[]) AS id,
			       unnest($2::bigint[]) AS cnt,
			       unnest($3::timestamptz[]) AS at
		) t
		WHERE m.id = t.id`,
		pq.Array(ids), pq.Array(counts), pq.Array(ats))
	return classify(err)
}

// Stats returns row counts and refreshes the per-tier gauge.
func (p *Postgres) Stats(ctx context.Context) (_ *Stats, err error) {
	defer func(start time.Time) { err = observe("stats", start, err) }(time.Now())

	stats := &Stats{
		ByTier:  make(map[memory.Tier]TierStats),
		ByVault: make(map[memory.VaultScope]int64),
	}

	type tierRow struct {
		Tier          string    `db:"tier"`
		Count         int64     `db:"count"`
		AvgImportance float64   `db:"avg_importance"`
		Oldest        time.Time `db:"oldest"`
		Newest        time.Time `db:"newest"`
	}
	var tiers []tierRow
	if err = p.db.SelectContext(ctx, &tiers, `
		SELECT tier, COUNT(*) AS count,
		       AVG(importance) AS avg_importance,
		       MIN(created_at) AS oldest,
		       MAX(created_at) AS newest
		FROM memories GROUP BY tier`); err != nil {
		return nil, classify(err)
	}
	for _, tr := range tiers {
		stats.ByTier[memory.Tier(tr.Tier)] = TierStats{
			Count:         tr.Count,
			AvgImportance: tr.AvgImportance,
			Oldest:        tr.Oldest.UTC(),
			Newest:        tr.Newest.UTC(),
		}
	}

	type vaultCount struct {
		VaultScope string `db:"vault_scope"`
		Count      int64  `db:"count"`
	}
	var vaults []vaultCount
	if err = p.db.SelectContext(ctx, &vaults,
		`SELECT vault_scope, COUNT(*) AS count FROM memories GROUP BY vault_scope`); err != nil {
		return nil, classify(err)
	}
	for _, vc := range vaults {
		stats.ByVault[memory.VaultScope(vc.VaultScope)] = vc.Count
	}

	var totals struct {
		Total       int64 `db:"total"`
		Pending     int64 `db:"pending"`
		Quarantined int64 `db:"quarantined"`
	}
	if err = p.db.GetContext(ctx, &totals, `
		SELECT COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE pending_embedding) AS pending,
		       COUNT(*) FILTER (WHERE quarantined) AS quarantined
		FROM memories`); err != nil {
		return nil, classify(err)
	}
	stats.Total = totals.Total
	stats.Pending = totals.Pending
	stats.Quarantined = totals.Quarantined

	for tier, ts := range stats.ByTier {
		RowsByTier.WithLabelValues(string(tier)).Set(float64(ts.Count))
	}
	return stats, nil
}

// Ping verifies connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", memory.ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// classify maps driver errors onto the memory error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return memory.ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", memory.ErrTimeout, err)
	}
	if errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %v", memory.ErrStoreUnavailable, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505": // unique_violation
			return fmt.Errorf("%w: %s", memory.ErrConflict, pqErr.Detail)
		case pqErr.Code.Class() == "08": // connection exceptions
			return fmt.Errorf("%w: %v", memory.ErrStoreUnavailable, err)
		case pqErr.Code.Class() == "57": // operator intervention (shutdown)
			return fmt.Errorf("%w: %v", memory.ErrStoreUnavailable, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", memory.ErrStoreUnavailable, err)
	}

	return err
}
