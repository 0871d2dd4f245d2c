package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrNotFound is returned when no account has the requested id.
	ErrNotFound = errors.New("account not found")
	// ErrInvalidID is returned for ids that are not UUIDs.
	ErrInvalidID = errors.New("invalid account id")
)

// Millis is a Unix timestamp in milliseconds. It decodes from fractional
// numbers too, truncating toward zero.
type Millis int64

// UnmarshalJSON accepts integer and floating point numbers.
func (m *Millis) UnmarshalJSON(data []byte) error {
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("last_used must be a number: %w", err)
	}
	if f < 0 {
		return fmt.Errorf("last_used must not be negative")
	}
	*m = Millis(int64(f))
	return nil
}

// Time converts m to a time.Time.
func (m Millis) Time() time.Time {
	return time.UnixMilli(int64(m))
}

// Account is a saved login.
type Account struct {
	Username string  `json:"username"`
	Password string  `json:"password"`
	Strategy string  `json:"strategy"`
	Server   string  `json:"server"`
	Nickname *string `json:"nickname,omitempty"`
	LastUsed *Millis `json:"last_used,omitempty"`
}

// DisplayName is the trimmed nickname, or the username when there is none.
func (a Account) DisplayName() string {
	if a.Nickname != nil {
		if n := strings.TrimSpace(*a.Nickname); n != "" {
			return n
		}
	}
	return a.Username
}

// Record is an account together with its id.
type Record struct {
	ID string `json:"id"`
	Account
}

// Store persists accounts in sqlite as JSON documents keyed by UUID.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens or creates the database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		logger.Warn("Failed to enable WAL mode", zap.Error(err))
	}

	createTableSQL := `
    CREATE TABLE IF NOT EXISTS accounts (
        id TEXT PRIMARY KEY,
        data TEXT NOT NULL
    );`

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	logger.Info("Using database", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the account stored under id.
func (s *Store) Get(id string) (Account, error) {
	key, err := parseID(id)
	if err != nil {
		return Account{}, err
	}

	var data string
	err = s.db.QueryRow("SELECT data FROM accounts WHERE id = ?", key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Account{}, fmt.Errorf("failed to query account: %w", err)
	}

	var acc Account
	if err := json.Unmarshal([]byte(data), &acc); err != nil {
		return Account{}, fmt.Errorf("failed to decode account %s: %w", id, err)
	}
	return acc, nil
}

// List returns every account, in no particular order. Undecodable rows
// are logged and skipped.
func (s *Store) List() ([]Record, error) {
	rows, err := s.db.Query("SELECT id, data FROM accounts")
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		var acc Account
		if err := json.Unmarshal([]byte(data), &acc); err != nil {
			s.logger.Warn("Skipping undecodable account", zap.String("id", id), zap.Error(err))
			continue
		}
		records = append(records, Record{ID: id, Account: acc})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return records, nil
}

// Add stores acc under a new random id and returns the id.
func (s *Store) Add(acc Account) (string, error) {
	id := uuid.NewString()
	if err := s.Put(id, acc); err != nil {
		return "", err
	}
	return id, nil
}

// Put stores acc under id, replacing any previous value.
func (s *Store) Put(id string, acc Account) error {
	key, err := parseID(id)
	if err != nil {
		return err
	}
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("failed to encode account: %w", err)
	}
	if _, err := s.db.Exec(
		"INSERT INTO accounts (id, data) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data",
		key, string(data),
	); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// Delete removes the account stored under id.
func (s *Store) Delete(id string) error {
	key, err := parseID(id)
	if err != nil {
		return err
	}
	res, err := s.db.Exec("DELETE FROM accounts WHERE id = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Touch sets the account's last_used to t and returns the updated account.
func (s *Store) Touch(id string, t time.Time) (Account, error) {
	acc, err := s.Get(id)
	if err != nil {
		return Account{}, err
	}
	ms := Millis(t.UnixMilli())
	acc.LastUsed = &ms
	if err := s.Put(id, acc); err != nil {
		return Account{}, err
	}
	return acc, nil
}

// SortByLastUsed orders records most recently used first. Records that were
// never used sort last; ties keep their id order.
func SortByLastUsed(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := lastUsed(records[i]), lastUsed(records[j])
		if a != b {
			return a > b
		}
		return records[i].ID < records[j].ID
	})
}

// Filter keeps the records whose display name contains query, ignoring
// case. An empty query keeps everything.
func Filter(records []Record, query string) []Record {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return records
	}
	var out []Record
	for _, r := range records {
		if strings.Contains(strings.ToLower(r.DisplayName()), query) {
			out = append(out, r)
		}
	}
	return out
}

func lastUsed(r Record) int64 {
	if r.LastUsed == nil {
		return 0
	}
	return int64(*r.LastUsed)
}

func parseID(id string) (string, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return u.String(), nil
}
