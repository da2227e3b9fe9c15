package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore persists products in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" is accepted for tests.
	Path string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// OpenSQLite opens the catalog database with default settings.
func OpenSQLite(path string) (*SQLiteStore, error) {
	return OpenSQLiteWithConfig(SQLiteConfig{Path: path})
}

// OpenSQLiteWithConfig opens the catalog database and creates the schema.
func OpenSQLiteWithConfig(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize catalog schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL CHECK (length(name) >= 3),
		description TEXT NOT NULL DEFAULT '',
		price REAL NOT NULL CHECK (price >= 0),
		currency TEXT NOT NULL DEFAULT 'TRY',
		image_url TEXT NOT NULL,
		product_url TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		brand TEXT NOT NULL DEFAULT '',
		stock INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		CONSTRAINT unique_product_brand UNIQUE (name, brand)
	);

	CREATE INDEX IF NOT EXISTS idx_products_category ON products(category);
	CREATE INDEX IF NOT EXISTS idx_products_brand ON products(brand);
	CREATE INDEX IF NOT EXISTS idx_products_active ON products(is_active);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const productColumns = `id, name, description, price, currency, image_url, product_url,
	category, brand, stock, is_active, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(row scanner) (*Product, error) {
	var (
		p                Product
		created, updated int64
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Currency, &p.ImageURL, &p.ProductURL,
		&p.Category, &p.Brand, &p.Stock, &p.IsActive, &created, &updated)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = time.UnixMilli(created).UTC()
	p.UpdatedAt = time.UnixMilli(updated).UTC()
	return &p, nil
}

// Create inserts a product and returns it with its id and timestamps.
func (s *SQLiteStore) Create(ctx context.Context, in Create) (*Product, error) {
	p := in.product(s.now())
	if err := insert(ctx, s.db, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insert(ctx context.Context, db execer, p *Product) error {
	res, err := db.ExecContext(ctx, `
		INSERT INTO products (name, description, price, currency, image_url, product_url,
			category, brand, stock, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.Description, p.Price, p.Currency, p.ImageURL, p.ProductURL,
		p.Category, p.Brand, p.Stock, p.IsActive, p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert product %q: %w", p.Name, err)
	}

	p.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read product id: %w", err)
	}
	return nil
}

// Get returns the product with id, active or not.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product %d: %w", id, err)
	}
	return p, nil
}

// List returns products matching f ordered by id.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Product, error) {
	var (
		where []string
		args  []any
	)
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.Brand != "" {
		where = append(where, "brand = ?")
		args = append(args, f.Brand)
	}
	if f.ActiveOnly {
		where = append(where, "is_active = 1")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	var q strings.Builder
	q.WriteString(`SELECT ` + productColumns + ` FROM products`)
	if len(where) > 0 {
		q.WriteString(" WHERE ")
		q.WriteString(strings.Join(where, " AND "))
	}
	q.WriteString(" ORDER BY id LIMIT ? OFFSET ?")
	args = append(args, limit, max(0, f.Skip))

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	products := make([]Product, 0, limit)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}

// Update applies a partial update and returns the stored product.
func (s *SQLiteStore) Update(ctx context.Context, id int64, in Update) (*Product, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	in.apply(p)
	p.UpdatedAt = s.now()

	_, err = s.db.ExecContext(ctx, `
		UPDATE products SET name = ?, description = ?, price = ?, currency = ?, image_url = ?,
			product_url = ?, category = ?, brand = ?, stock = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.Description, p.Price, p.Currency, p.ImageURL, p.ProductURL,
		p.Category, p.Brand, p.Stock, p.IsActive, p.UpdatedAt.UnixMilli(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("update product %d: %w", id, err)
	}
	return p, nil
}

// Delete deactivates the product.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE products SET is_active = 0, updated_at = ? WHERE id = ?`,
		s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("delete product %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete product %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Categories returns the distinct non-empty categories.
func (s *SQLiteStore) Categories(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, "category")
}

// Brands returns the distinct non-empty brands.
func (s *SQLiteStore) Brands(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, "brand")
}

// column is one of a fixed set of names, never user input.
func (s *SQLiteStore) distinct(ctx context.Context, column string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT `+column+` FROM products WHERE `+column+` != '' ORDER BY `+column)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", column, err)
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", column, err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// Count returns the number of stored products, active or not.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	return n, nil
}

// Seed inserts items in one transaction when the table is empty and returns
// how many were inserted. A non-empty table is left untouched.
func (s *SQLiteStore) Seed(ctx context.Context, items []Create) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin seed: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	if n > 0 {
		return 0, nil
	}

	now := s.now()
	for i, item := range items {
		p := item.product(now)
		if err := insert(ctx, tx, &p); err != nil {
			return 0, fmt.Errorf("seed item %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit seed: %w", err)
	}
	return len(items), nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
