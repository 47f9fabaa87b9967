package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"greadersync/internal/models"
	"greadersync/internal/odata"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pemistahl/lingua-go"
)

// querier is satisfied by both *sql.DB and *sql.Tx so the row helpers can be
// shared between plain reads and page transactions.
type querier interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type SQLiteStorage struct {
	db       *sql.DB
	detector lingua.LanguageDetector
	mutex    sync.Mutex
}

func NewSQLiteStorage(dataDir string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	dbPath := filepath.Join(dataDir, "greadersync.db")
	log.Printf("Initializing database at: %s", dbPath)

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_synchronous=NORMAL&_busy_timeout=30000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	// SQLite supports a single writer; the importer relies on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %v", err)
	}

	// Language detector for item summaries, restricted to common feed languages.
	detector := lingua.NewLanguageDetectorBuilder().
		FromLanguages(
			lingua.English, lingua.German, lingua.French, lingua.Spanish,
			lingua.Chinese, lingua.Russian, lingua.Italian, lingua.Portuguese,
			lingua.Dutch, lingua.Swedish, lingua.Danish, lingua.Finnish,
		).
		Build()

	return &SQLiteStorage{db: db, detector: detector}, nil
}

func createTables(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS folders (
			stream_id TEXT PRIMARY KEY,
			unread_count INTEGER NOT NULL DEFAULT 0,
			newest_item_date INTEGER NOT NULL DEFAULT 0,
			sort_id INTEGER NOT NULL DEFAULT 0,
			child_stream_ids TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			stream_id TEXT PRIMARY KEY,
			unread_count INTEGER NOT NULL DEFAULT 0,
			newest_item_date INTEGER NOT NULL DEFAULT 0,
			sort_id INTEGER NOT NULL DEFAULT 0,
			title TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			html_url TEXT NOT NULL DEFAULT '',
			icon_url TEXT NOT NULL DEFAULT '',
			category_ids TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			date INTEGER NOT NULL DEFAULT 0,
			updated_date INTEGER,
			load_date INTEGER NOT NULL DEFAULT 0,
			title TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL DEFAULT '',
			canonical TEXT NOT NULL DEFAULT '[]',
			subscription_id TEXT NOT NULL DEFAULT '',
			category_ids TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS category_items (
			item_id TEXT NOT NULL,
			folder_id TEXT NOT NULL,
			PRIMARY KEY (item_id, folder_id)
		)`,
		`CREATE TABLE IF NOT EXISTS view_states (
			container_id TEXT NOT NULL,
			unread_only INTEGER NOT NULL,
			continuation TEXT NOT NULL DEFAULT '',
			load_date INTEGER,
			load_completed INTEGER NOT NULL DEFAULT 0,
			load_error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (container_id, unread_only)
		)`,
		`CREATE TABLE IF NOT EXISTS pending_tag_items (
			folder_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			excluded INTEGER NOT NULL,
			PRIMARY KEY (folder_id, item_id, excluded)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_subscription ON items(subscription_id)`,
		`CREATE INDEX IF NOT EXISTS idx_items_load_date ON items(load_date)`,
		`CREATE INDEX IF NOT EXISTS idx_items_date ON items(date)`,
		`CREATE INDEX IF NOT EXISTS idx_category_items_folder ON category_items(folder_id)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %v", stmt[:40], err)
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Tx is one page-scoped unit of work. Merge functions mutate entities through
// it; nothing becomes visible to readers until the transaction commits.
type Tx struct {
	tx       *sql.Tx
	detector lingua.LanguageDetector
}

func (s *SQLiteStorage) WithTx(fn func(tx *Tx) error) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	if err := fn(&Tx{tx: tx, detector: s.detector}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("Warning: rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %v", err)
	}
	return nil
}

// Folders

func getFolder(q querier, streamID string) (*models.Folder, error) {
	row := q.QueryRow(`SELECT stream_id, unread_count, newest_item_date, sort_id, child_stream_ids FROM folders WHERE stream_id = ?`, streamID)
	return scanFolder(row)
}

func scanFolder(row *sql.Row) (*models.Folder, error) {
	var f models.Folder
	var newest int64
	var children string
	err := row.Scan(&f.StreamID, &f.UnreadCount, &newest, &f.SortID, &children)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan folder: %v", err)
	}
	f.NewestItemDate = time.UnixMicro(newest)
	if err := json.Unmarshal([]byte(children), &f.ChildStreamIDs); err != nil {
		return nil, fmt.Errorf("failed to decode child stream ids: %v", err)
	}
	return &f, nil
}

func saveFolder(q querier, f *models.Folder) error {
	children, err := json.Marshal(f.ChildStreamIDs)
	if err != nil {
		return fmt.Errorf("failed to encode child stream ids: %v", err)
	}
	_, err = q.Exec(`INSERT INTO folders (stream_id, unread_count, newest_item_date, sort_id, child_stream_ids)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(stream_id) DO UPDATE SET
			unread_count = excluded.unread_count,
			newest_item_date = excluded.newest_item_date,
			sort_id = excluded.sort_id,
			child_stream_ids = excluded.child_stream_ids`,
		f.StreamID, f.UnreadCount, f.NewestItemDate.UnixMicro(), f.SortID, string(children))
	if err != nil {
		return fmt.Errorf("failed to save folder %s: %v", f.StreamID, err)
	}
	return nil
}

func (s *SQLiteStorage) GetFolder(streamID string) (*models.Folder, error) {
	return getFolder(s.db, streamID)
}

func (s *SQLiteStorage) ListFolders() ([]*models.Folder, error) {
	rows, err := s.db.Query(`SELECT stream_id, unread_count, newest_item_date, sort_id, child_stream_ids FROM folders ORDER BY newest_item_date DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %v", err)
	}
	defer rows.Close()

	var folders []*models.Folder
	for rows.Next() {
		var f models.Folder
		var newest int64
		var children string
		if err := rows.Scan(&f.StreamID, &f.UnreadCount, &newest, &f.SortID, &children); err != nil {
			return nil, fmt.Errorf("failed to scan folder: %v", err)
		}
		f.NewestItemDate = time.UnixMicro(newest)
		if err := json.Unmarshal([]byte(children), &f.ChildStreamIDs); err != nil {
			return nil, fmt.Errorf("failed to decode child stream ids: %v", err)
		}
		folders = append(folders, &f)
	}
	return folders, rows.Err()
}

func (s *SQLiteStorage) FolderWithTagSuffix(suffix string) (*models.Folder, error) {
	row := s.db.QueryRow(`SELECT stream_id, unread_count, newest_item_date, sort_id, child_stream_ids FROM folders WHERE stream_id LIKE ? LIMIT 1`, "%"+suffix)
	return scanFolder(row)
}

// Subscriptions

func getSubscription(q querier, streamID string) (*models.Subscription, error) {
	row := q.QueryRow(`SELECT stream_id, unread_count, newest_item_date, sort_id, title, url, html_url, icon_url, category_ids FROM subscriptions WHERE stream_id = ?`, streamID)
	var sub models.Subscription
	var newest int64
	var categories string
	err := row.Scan(&sub.StreamID, &sub.UnreadCount, &newest, &sub.SortID, &sub.Title, &sub.URL, &sub.HTMLURL, &sub.IconURL, &categories)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %v", err)
	}
	sub.NewestItemDate = time.UnixMicro(newest)
	if err := json.Unmarshal([]byte(categories), &sub.CategoryIDs); err != nil {
		return nil, fmt.Errorf("failed to decode category ids: %v", err)
	}
	return &sub, nil
}

func saveSubscription(q querier, sub *models.Subscription) error {
	categories, err := json.Marshal(sub.CategoryIDs)
	if err != nil {
		return fmt.Errorf("failed to encode category ids: %v", err)
	}
	_, err = q.Exec(`INSERT INTO subscriptions (stream_id, unread_count, newest_item_date, sort_id, title, url, html_url, icon_url, category_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stream_id) DO UPDATE SET
			unread_count = excluded.unread_count,
			newest_item_date = excluded.newest_item_date,
			sort_id = excluded.sort_id,
			title = excluded.title,
			url = excluded.url,
			html_url = excluded.html_url,
			icon_url = excluded.icon_url,
			category_ids = excluded.category_ids`,
		sub.StreamID, sub.UnreadCount, sub.NewestItemDate.UnixMicro(), sub.SortID,
		sub.Title, sub.URL, sub.HTMLURL, sub.IconURL, string(categories))
	if err != nil {
		return fmt.Errorf("failed to save subscription %s: %v", sub.StreamID, err)
	}
	return nil
}

func (s *SQLiteStorage) GetSubscription(streamID string) (*models.Subscription, error) {
	return getSubscription(s.db, streamID)
}

func (s *SQLiteStorage) ListSubscriptions() ([]*models.Subscription, error) {
	rows, err := s.db.Query(`SELECT stream_id, unread_count, newest_item_date, sort_id, title, url, html_url, icon_url, category_ids FROM subscriptions ORDER BY sort_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %v", err)
	}
	defer rows.Close()

	var subs []*models.Subscription
	for rows.Next() {
		var sub models.Subscription
		var newest int64
		var categories string
		if err := rows.Scan(&sub.StreamID, &sub.UnreadCount, &newest, &sub.SortID, &sub.Title, &sub.URL, &sub.HTMLURL, &sub.IconURL, &categories); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %v", err)
		}
		sub.NewestItemDate = time.UnixMicro(newest)
		if err := json.Unmarshal([]byte(categories), &sub.CategoryIDs); err != nil {
			return nil, fmt.Errorf("failed to decode category ids: %v", err)
		}
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

// Items

const itemColumns = `id, date, updated_date, load_date, title, author, summary, language, canonical, subscription_id, category_ids`

func scanItem(scan func(dest ...interface{}) error) (*models.Item, error) {
	var it models.Item
	var date, loadDate int64
	var updated sql.NullInt64
	var canonical, categories string
	err := scan(&it.ID, &date, &updated, &loadDate, &it.Title, &it.Author, &it.Summary, &it.Language, &canonical, &it.SubscriptionID, &categories)
	if err != nil {
		return nil, err
	}
	it.Date = time.UnixMicro(date)
	it.LoadDate = time.UnixMicro(loadDate)
	if updated.Valid {
		t := time.UnixMicro(updated.Int64)
		it.UpdatedDate = &t
	}
	if err := json.Unmarshal([]byte(canonical), &it.Canonical); err != nil {
		return nil, fmt.Errorf("failed to decode canonical links: %v", err)
	}
	if err := json.Unmarshal([]byte(categories), &it.CategoryIDs); err != nil {
		return nil, fmt.Errorf("failed to decode category ids: %v", err)
	}
	return &it, nil
}

func getItem(q querier, id string) (*models.Item, error) {
	row := q.QueryRow(`SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	it, err := scanItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan item: %v", err)
	}
	return it, nil
}

func saveItem(q querier, detector lingua.LanguageDetector, it *models.Item) error {
	canonical, err := json.Marshal(it.Canonical)
	if err != nil {
		return fmt.Errorf("failed to encode canonical links: %v", err)
	}
	categories, err := json.Marshal(it.CategoryIDs)
	if err != nil {
		return fmt.Errorf("failed to encode category ids: %v", err)
	}
	if it.Language == "" && it.Summary != "" && detector != nil {
		it.Language = detectLanguage(detector, it.Summary)
	}
	var updated interface{}
	if it.UpdatedDate != nil {
		updated = it.UpdatedDate.UnixMicro()
	}
	_, err = q.Exec(`INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			date = excluded.date,
			updated_date = excluded.updated_date,
			load_date = excluded.load_date,
			title = excluded.title,
			author = excluded.author,
			summary = excluded.summary,
			language = excluded.language,
			canonical = excluded.canonical,
			subscription_id = excluded.subscription_id,
			category_ids = excluded.category_ids`,
		it.ID, it.Date.UnixMicro(), updated, it.LoadDate.UnixMicro(),
		it.Title, it.Author, it.Summary, it.Language, string(canonical), it.SubscriptionID, string(categories))
	if err != nil {
		return fmt.Errorf("failed to save item %s: %v", it.ID, err)
	}
	return nil
}

func (s *SQLiteStorage) GetItem(id string) (*models.Item, error) {
	return getItem(s.db, id)
}

// QueryItems lists the items of a container, newest first. Subscriptions own
// items directly; folder membership goes through the category join.
func (s *SQLiteStorage) QueryItems(containerID string, query *models.ItemsQuery) ([]*models.Item, error) {
	if query == nil {
		query = &models.ItemsQuery{}
	}

	var base string
	args := []interface{}{containerID}
	if models.KindForStreamID(containerID) == models.KindSubscription {
		base = `SELECT ` + itemColumns + ` FROM items WHERE subscription_id = ?`
	} else {
		base = `SELECT ` + itemColumns + ` FROM items WHERE id IN (SELECT item_id FROM category_items WHERE folder_id = ?)`
	}
	if query.UnreadOnly {
		base += ` AND id NOT IN (SELECT item_id FROM category_items WHERE folder_id LIKE ?)`
		args = append(args, "%"+models.ReadTagSuffix)
	}
	if query.Language != "" {
		base += ` AND language = ?`
		args = append(args, query.Language)
	}
	order := ` ORDER BY date DESC`
	if strings.EqualFold(query.OrderBy, "date asc") {
		order = ` ORDER BY date ASC`
	}

	rows, err := s.db.Query(base+order, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %v", err)
	}
	defer rows.Close()

	var items []*models.Item
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %v", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, err = applyItemFilter(items, query)
	if err != nil {
		return nil, err
	}
	return paginateItems(items, query), nil
}

func applyItemFilter(items []*models.Item, query *models.ItemsQuery) ([]*models.Item, error) {
	var expr *odata.FilterExpression
	if query.Filter != "" {
		parser := odata.NewFilterParser()
		var err error
		expr, err = parser.Parse(query.Filter)
		if err != nil {
			return nil, fmt.Errorf("invalid filter: %v", err)
		}
	}

	if expr == nil && len(query.Search) == 0 {
		return items, nil
	}

	parser := odata.NewFilterParser()
	filtered := make([]*models.Item, 0, len(items))
	for _, it := range items {
		if expr != nil {
			ok, err := parser.Evaluate(expr, it)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		if len(query.Search) > 0 && !matchesSearch(it, query.Search) {
			continue
		}
		filtered = append(filtered, it)
	}
	return filtered, nil
}

func matchesSearch(it *models.Item, terms []string) bool {
	text := strings.ToLower(strings.Join([]string{it.Title, it.Author, it.Summary}, " "))
	for _, term := range terms {
		if strings.Contains(text, strings.ToLower(term)) {
			return true
		}
	}
	return false
}

func paginateItems(items []*models.Item, query *models.ItemsQuery) []*models.Item {
	if query.Skip > 0 {
		if query.Skip >= len(items) {
			return nil
		}
		items = items[query.Skip:]
	}
	if query.Top > 0 && query.Top < len(items) {
		items = items[:query.Top]
	}
	return items
}

func (s *SQLiteStorage) ItemCategories(itemID string) ([]string, error) {
	return itemCategories(s.db, itemID)
}

func itemCategories(q querier, itemID string) ([]string, error) {
	rows, err := q.Query(`SELECT folder_id FROM category_items WHERE item_id = ?`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query item categories: %v", err)
	}
	defer rows.Close()

	var folderIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		folderIDs = append(folderIDs, id)
	}
	sort.Strings(folderIDs)
	return folderIDs, rows.Err()
}

// LastItemForLoadDate finds the watermark of a load session: pages arrive
// newest first, so the oldest item stamped with the session's load date is the
// last one merged.
func (s *SQLiteStorage) LastItemForLoadDate(loadDate time.Time) (*models.Item, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE load_date = ? ORDER BY date ASC LIMIT 1`, loadDate.UnixMicro())
	it, err := scanItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan item: %v", err)
	}
	return it, nil
}

// View states

func (s *SQLiteStorage) GetViewState(containerID string, unreadOnly bool) (*models.ContainerViewState, error) {
	row := s.db.QueryRow(`SELECT container_id, unread_only, continuation, load_date, load_completed, load_error FROM view_states WHERE container_id = ? AND unread_only = ?`,
		containerID, boolToInt(unreadOnly))
	var st models.ContainerViewState
	var unread, completed int
	var loadDate sql.NullInt64
	err := row.Scan(&st.ContainerID, &unread, &st.Continuation, &loadDate, &completed, &st.LoadError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan view state: %v", err)
	}
	st.UnreadOnly = unread != 0
	st.LoadCompleted = completed != 0
	if loadDate.Valid {
		t := time.UnixMicro(loadDate.Int64)
		st.LoadDate = &t
	}
	return &st, nil
}

// SaveViewState rejects states violating the load-date-or-error invariant at
// the store boundary.
func (s *SQLiteStorage) SaveViewState(state *models.ContainerViewState) error {
	if err := state.Validate(); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var loadDate interface{}
	if state.LoadDate != nil {
		loadDate = state.LoadDate.UnixMicro()
	}
	_, err := s.db.Exec(`INSERT INTO view_states (container_id, unread_only, continuation, load_date, load_completed, load_error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(container_id, unread_only) DO UPDATE SET
			continuation = excluded.continuation,
			load_date = excluded.load_date,
			load_completed = excluded.load_completed,
			load_error = excluded.load_error`,
		state.ContainerID, boolToInt(state.UnreadOnly), state.Continuation, loadDate, boolToInt(state.LoadCompleted), state.LoadError)
	if err != nil {
		return fmt.Errorf("failed to save view state for %s: %v", state.ContainerID, err)
	}
	return nil
}

// Pending tag sets

func (s *SQLiteStorage) PendingTagItems(folderID string, excluded bool) ([]string, error) {
	rows, err := s.db.Query(`SELECT item_id FROM pending_tag_items WHERE folder_id = ? AND excluded = ? ORDER BY item_id`, folderID, boolToInt(excluded))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending tag items: %v", err)
	}
	defer rows.Close()

	var itemIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		itemIDs = append(itemIDs, id)
	}
	return itemIDs, rows.Err()
}

// QueuePendingTag queues an item for one direction of a tag edit and drops it
// from the opposite direction, so an item is never pending both ways.
func (s *SQLiteStorage) QueuePendingTag(folderID, itemID string, excluded bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, err := s.db.Exec(`DELETE FROM pending_tag_items WHERE folder_id = ? AND item_id = ? AND excluded = ?`,
		folderID, itemID, boolToInt(!excluded)); err != nil {
		return fmt.Errorf("failed to clear complementary pending tag: %v", err)
	}
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO pending_tag_items (folder_id, item_id, excluded) VALUES (?, ?, ?)`,
		folderID, itemID, boolToInt(excluded)); err != nil {
		return fmt.Errorf("failed to queue pending tag: %v", err)
	}
	return nil
}

// RemovePendingTags removes exactly the given batch; entries queued after the
// batch was snapshotted stay pending.
func (s *SQLiteStorage) RemovePendingTags(folderID string, excluded bool, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	placeholders := strings.Repeat("?,", len(itemIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := []interface{}{folderID, boolToInt(excluded)}
	for _, id := range itemIDs {
		args = append(args, id)
	}
	_, err := s.db.Exec(`DELETE FROM pending_tag_items WHERE folder_id = ? AND excluded = ? AND item_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to remove pending tags: %v", err)
	}
	return nil
}

func (s *SQLiteStorage) FoldersWithPendingTags() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT folder_id FROM pending_tag_items ORDER BY folder_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query folders with pending tags: %v", err)
	}
	defer rows.Close()

	var folderIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		folderIDs = append(folderIDs, id)
	}
	return folderIDs, rows.Err()
}

// Tx methods used by the importers.

// EnsureFolder fetches the folder by stream ID, creating it first if absent.
// Construction and identifier stamping happen in one statement, so no
// half-built entity is ever visible.
func (t *Tx) EnsureFolder(streamID string) (*models.Folder, error) {
	f, err := getFolder(t.tx, streamID)
	if err != nil {
		return nil, err
	}
	if f != nil {
		return f, nil
	}
	f = &models.Folder{Container: models.Container{StreamID: streamID}}
	if err := saveFolder(t.tx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (t *Tx) SaveFolder(f *models.Folder) error {
	return saveFolder(t.tx, f)
}

func (t *Tx) EnsureSubscription(streamID string) (*models.Subscription, error) {
	sub, err := getSubscription(t.tx, streamID)
	if err != nil {
		return nil, err
	}
	if sub != nil {
		return sub, nil
	}
	sub = &models.Subscription{Container: models.Container{StreamID: streamID}}
	if err := saveSubscription(t.tx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (t *Tx) SaveSubscription(sub *models.Subscription) error {
	return saveSubscription(t.tx, sub)
}

func (t *Tx) GetItem(id string) (*models.Item, error) {
	return getItem(t.tx, id)
}

func (t *Tx) SaveItem(it *models.Item) error {
	return saveItem(t.tx, t.detector, it)
}

func (t *Tx) ItemCategories(itemID string) ([]string, error) {
	return itemCategories(t.tx, itemID)
}

// SetItemCategories diffs the item's memberships against folderIDs: stale
// assignments are deleted, new ones inserted, common ones left untouched.
func (t *Tx) SetItemCategories(itemID string, folderIDs []string) error {
	current, err := itemCategories(t.tx, itemID)
	if err != nil {
		return err
	}
	wanted := make(map[string]bool, len(folderIDs))
	for _, id := range folderIDs {
		wanted[id] = true
	}
	have := make(map[string]bool, len(current))
	for _, id := range current {
		have[id] = true
		if !wanted[id] {
			if _, err := t.tx.Exec(`DELETE FROM category_items WHERE item_id = ? AND folder_id = ?`, itemID, id); err != nil {
				return fmt.Errorf("failed to remove category assignment: %v", err)
			}
		}
	}
	for _, id := range folderIDs {
		if !have[id] {
			if _, err := t.tx.Exec(`INSERT OR IGNORE INTO category_items (item_id, folder_id) VALUES (?, ?)`, itemID, id); err != nil {
				return fmt.Errorf("failed to add category assignment: %v", err)
			}
		}
	}
	return nil
}

// AddItemCategory inserts a single assignment without touching the others.
func (t *Tx) AddItemCategory(itemID, folderID string) error {
	if _, err := t.tx.Exec(`INSERT OR IGNORE INTO category_items (item_id, folder_id) VALUES (?, ?)`, itemID, folderID); err != nil {
		return fmt.Errorf("failed to add category assignment: %v", err)
	}
	return nil
}

// RemoveItemCategory deletes a single assignment.
func (t *Tx) RemoveItemCategory(itemID, folderID string) error {
	if _, err := t.tx.Exec(`DELETE FROM category_items WHERE item_id = ? AND folder_id = ?`, itemID, folderID); err != nil {
		return fmt.Errorf("failed to remove category assignment: %v", err)
	}
	return nil
}

// UpdateContainerCounts applies an unread-count record to whichever container
// kind the stream ID denotes, creating the container on first encounter.
func (t *Tx) UpdateContainerCounts(streamID string, unreadCount int64, newestItemDate time.Time) error {
	if models.KindForStreamID(streamID) == models.KindSubscription {
		sub, err := t.EnsureSubscription(streamID)
		if err != nil {
			return err
		}
		sub.UnreadCount = unreadCount
		sub.NewestItemDate = newestItemDate
		return t.SaveSubscription(sub)
	}
	f, err := t.EnsureFolder(streamID)
	if err != nil {
		return err
	}
	f.UnreadCount = unreadCount
	f.NewestItemDate = newestItemDate
	return t.SaveFolder(f)
}

// ContainersBySortIDs resolves sort IDs to container stream IDs across both
// container kinds, for the subscription-ordering preference.
func (t *Tx) ContainersBySortIDs(sortIDs []int32) (map[int32]string, error) {
	if len(sortIDs) == 0 {
		return map[int32]string{}, nil
	}
	placeholders := strings.Repeat("?,", len(sortIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, 0, len(sortIDs)*2)
	for _, id := range sortIDs {
		args = append(args, id)
	}
	args = append(args, args...)

	rows, err := t.tx.Query(`SELECT sort_id, stream_id FROM folders WHERE sort_id IN (`+placeholders+`)
		UNION ALL
		SELECT sort_id, stream_id FROM subscriptions WHERE sort_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sort ids: %v", err)
	}
	defer rows.Close()

	result := make(map[int32]string)
	for rows.Next() {
		var sortID int32
		var streamID string
		if err := rows.Scan(&sortID, &streamID); err != nil {
			return nil, err
		}
		if _, ok := result[sortID]; !ok {
			result[sortID] = streamID
		}
	}
	return result, rows.Err()
}

func detectLanguage(detector lingua.LanguageDetector, text string) string {
	language, exists := detector.DetectLanguageOf(text)
	if !exists {
		return "en"
	}
	switch language {
	case lingua.English:
		return "en"
	case lingua.German:
		return "de"
	case lingua.French:
		return "fr"
	case lingua.Spanish:
		return "es"
	case lingua.Chinese:
		return "zh"
	case lingua.Russian:
		return "ru"
	case lingua.Italian:
		return "it"
	case lingua.Portuguese:
		return "pt"
	case lingua.Dutch:
		return "nl"
	case lingua.Swedish:
		return "sv"
	case lingua.Danish:
		return "da"
	case lingua.Finnish:
		return "fi"
	default:
		return "en"
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
