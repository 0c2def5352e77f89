// Package repo implements the Postgres persistence layer: catalog reads,
// the conditional stock decrement, order snapshots and the message log.
// Every statement is fully parameterized.
package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bot-tienda/internal/cache"
	"bot-tienda/internal/lang"
)

const (
	catalogCacheTTL = time.Minute
	// Folds the accented characters the catalog actually contains;
	// mirrors the normalization applied to query tokens.
	unaccentName = "translate(lower(nombre), 'áéíóúñü', 'aeiounu')"
	unaccentDesc = "translate(lower(coalesce(descripcion, '')), 'áéíóúñü', 'aeiounu')"
)

// Product is one catalog row. Stock is kept authoritative in Postgres;
// rows with stock 0 are invisible to search and matching.
type Product struct {
	ID    int64  `json:"id"`
	Name  string `json:"nombre"`
	Price int64  `json:"precio_cop"`
	Stock int64  `json:"stock"`
}

// OrderItem is an immutable snapshot of one cart line at checkout time.
type OrderItem struct {
	ProductID int64  `json:"producto_id"`
	Name      string `json:"nombre"`
	Qty       int    `json:"cantidad"`
	UnitPrice int64  `json:"precio_cop"`
}

// Order is persisted once at checkout and never mutated afterwards.
type Order struct {
	OrderRef     string
	ChatID       int64
	CustomerName string
	Items        []OrderItem
	Total        int64
}

// MessageRecord is one logged inbound or outbound message.
type MessageRecord struct {
	ChatID    int64
	Direction string
	Kind      string
	Content   string
}

// Repository wraps the pgx pool plus an optional redis cache for the
// catalog listing.
type Repository struct {
	pool   *pgxpool.Pool
	cache  *cache.Redis
	logger *slog.Logger
}

// New creates a repository. cache may be nil.
func New(pool *pgxpool.Pool, redis *cache.Redis, logger *slog.Logger) *Repository {
	return &Repository{
		pool:   pool,
		cache:  redis,
		logger: logger.With("component", "repo"),
	}
}

// ListProducts returns up to limit in-stock products, cache-aside when
// redis is available.
func (r *Repository) ListProducts(ctx context.Context, limit int) ([]Product, error) {
	cacheKey := fmt.Sprintf("catalogo:lista:%d", limit)
	if r.cache != nil {
		var cached []Product
		if hit, err := r.cache.GetJSON(ctx, cacheKey, &cached); err != nil {
			r.logger.Warn("catalog cache read failed", "error", err)
		} else if hit {
			return cached, nil
		}
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, nombre, precio_cop, stock
		FROM productos
		WHERE stock > 0
		ORDER BY id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	products, err := scanProducts(rows)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.SetJSON(ctx, cacheKey, products, catalogCacheTTL); err != nil {
			r.logger.Warn("catalog cache write failed", "error", err)
		}
	}
	return products, nil
}

// SearchProducts looks up in-stock products by name or description. Three
// tiers, stopping at the first with results: the raw term, the
// accent-folded term, and the singularized term.
func (r *Repository) SearchProducts(ctx context.Context, term string, limit int) ([]Product, error) {
	plain := "%" + strings.ToLower(strings.TrimSpace(term)) + "%"
	rows, err := r.pool.Query(ctx, `
		SELECT id, nombre, precio_cop, stock
		FROM productos
		WHERE stock > 0
		  AND (lower(nombre) LIKE $1 OR lower(coalesce(descripcion, '')) LIKE $1)
		ORDER BY id
		LIMIT $2`, plain, limit)
	if err != nil {
		return nil, fmt.Errorf("search products: %w", err)
	}
	products, err := scanProducts(rows)
	if err != nil || len(products) > 0 {
		return products, err
	}

	for _, variant := range searchVariants(term) {
		products, err = r.searchFolded(ctx, variant, limit)
		if err != nil || len(products) > 0 {
			return products, err
		}
	}
	return nil, nil
}

func (r *Repository) searchFolded(ctx context.Context, term string, limit int) ([]Product, error) {
	pattern := "%" + term + "%"
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, nombre, precio_cop, stock
		FROM productos
		WHERE stock > 0
		  AND (%s LIKE $1 OR %s LIKE $1)
		ORDER BY id
		LIMIT $2`, unaccentName, unaccentDesc), pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search products folded: %w", err)
	}
	return scanProducts(rows)
}

// GetProduct returns the product or (nil, nil) when the id is unknown.
func (r *Repository) GetProduct(ctx context.Context, id int64) (*Product, error) {
	var p Product
	err := r.pool.QueryRow(ctx, `
		SELECT id, nombre, precio_cop, coalesce(stock, 0)
		FROM productos
		WHERE id = $1`, id).Scan(&p.ID, &p.Name, &p.Price, &p.Stock)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get product %d: %w", id, err)
	}
	return &p, nil
}

// CandidatesByTokens returns in-stock products whose folded name or
// description contains any of the tokens, shortest names first.
func (r *Repository) CandidatesByTokens(ctx context.Context, tokens []string, limit int) ([]Product, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	where, args := buildTokenConditions(tokens)
	args = append(args, limit)
	query := fmt.Sprintf(`
		SELECT id, nombre, precio_cop, stock
		FROM productos
		WHERE stock > 0 AND (%s)
		ORDER BY length(nombre) ASC, id ASC
		LIMIT $%d`, where, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("candidates by tokens: %w", err)
	}
	return scanProducts(rows)
}

// SearchByPhrase is the whole-phrase fallback used when tokenization left
// nothing usable. Shortest matching name wins.
func (r *Repository) SearchByPhrase(ctx context.Context, phrase string, limit int) ([]Product, error) {
	pattern := "%" + phrase + "%"
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, nombre, precio_cop, stock
		FROM productos
		WHERE stock > 0
		  AND (%s LIKE $1 OR %s LIKE $1)
		ORDER BY length(nombre) ASC, id ASC
		LIMIT $2`, unaccentName, unaccentDesc), pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search by phrase: %w", err)
	}
	return scanProducts(rows)
}

// DecrementStock atomically subtracts qty when enough stock remains.
// Zero rows affected means insufficient stock at commit time (possibly a
// race with a concurrent order), not a hard error.
func (r *Repository) DecrementStock(ctx context.Context, id int64, qty int) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE productos
		SET stock = coalesce(stock, 0) - $1
		WHERE id = $2 AND coalesce(stock, 0) >= $1`, qty, id)
	if err != nil {
		return false, fmt.Errorf("decrement stock %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SaveOrder persists the immutable order snapshot and returns its ref.
// Called before any stock mutation so a later decrement failure still
// leaves an auditable order row.
func (r *Repository) SaveOrder(ctx context.Context, order Order) (string, error) {
	ref := order.OrderRef
	if ref == "" {
		ref = generateOrderRef()
	}
	items, err := json.Marshal(order.Items)
	if err != nil {
		return "", fmt.Errorf("encode order items: %w", err)
	}
	notes := fmt.Sprintf("Pedido de %s (Telegram ID: %d)", order.CustomerName, order.ChatID)

	_, err = r.pool.Exec(ctx, `
		INSERT INTO pedidos (order_ref, cliente_id, cliente_nombre, estado, total_cop, items, notas, created_at)
		VALUES ($1, $2, $3, 'pendiente', $4, $5, $6, now())`,
		ref, order.ChatID, order.CustomerName, order.Total, items, notes)
	if err != nil {
		return "", fmt.Errorf("save order: %w", err)
	}
	return ref, nil
}

// LogMessage records an inbound or outbound message. Failures are the
// caller's to tolerate; logging never blocks a conversation.
func (r *Repository) LogMessage(ctx context.Context, rec MessageRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO mensajes (chat_id, direction, kind, content, created_at)
		VALUES ($1, $2, $3, $4, now())`,
		rec.ChatID, rec.Direction, rec.Kind, rec.Content)
	if err != nil {
		return fmt.Errorf("log message: %w", err)
	}
	return nil
}

// buildTokenConditions produces the parameterized OR clause for the
// candidate query: one LIKE pattern per token against name and description.
func buildTokenConditions(tokens []string) (string, []any) {
	conds := make([]string, 0, len(tokens)*2)
	args := make([]any, 0, len(tokens))
	for _, t := range tokens {
		args = append(args, "%"+t+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("%s LIKE $%d", unaccentName, n))
		conds = append(conds, fmt.Sprintf("%s LIKE $%d", unaccentDesc, n))
	}
	return strings.Join(conds, " OR "), args
}

func searchVariants(term string) []string {
	variants := make([]string, 0, 2)
	folded := lang.Normalize(term)
	if folded != "" {
		variants = append(variants, folded)
	}
	if sing := lang.SingularizePhrase(term); sing != "" && sing != folded {
		variants = append(variants, sing)
	}
	return variants
}

func generateOrderRef() string {
	return "ped-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func scanProducts(rows pgx.Rows) ([]Product, error) {
	defer rows.Close()
	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Stock); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return out, nil
}
