package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/umputun/quickblog/app/web/enums"
)

// storage errors
var (
	ErrNotFound   = errors.New("not found")
	ErrUserExists = errors.New("user already exists")
)

// User is a registered blog user
type User struct {
	ID           int64       `db:"id"`
	Username     string      `db:"username"`
	PasswordHash string      `db:"password"`
	Theme        enums.Theme `db:"theme"`
	CreatedAt    time.Time   `db:"-"`
}

// Post is a blog post with its author name
type Post struct {
	ID        int64     `db:"id"`
	AuthorID  int64     `db:"author_id"`
	Author    string    `db:"username"`
	Title     string    `db:"title"`
	Body      string    `db:"body"`
	CreatedAt time.Time `db:"-"`
}

// Counts holds number of stored records
type Counts struct {
	Users int `db:"users" json:"users"`
	Posts int `db:"posts" json:"posts"`
}

// rows with unix timestamps, converted to the public types
type userRow struct {
	User
	Created int64 `db:"created_at"`
}

type postRow struct {
	Post
	Created int64 `db:"created_at"`
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS user (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		password TEXT NOT NULL,
		theme TEXT NOT NULL DEFAULT 'auto',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS post (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		author_id INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		FOREIGN KEY (author_id) REFERENCES user (id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_post_created_at ON post(created_at)`,
}

// SQLiteStore implements persistence using SQLite
type SQLiteStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSQLiteStore opens the database and creates schema if missing
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // pragmas below are per connection

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, timeout: 5 * time.Second}
	if err := s.Initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Initialize creates the database schema
func (s *SQLiteStore) Initialize() error {
	for _, query := range schema {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// Reset drops all tables and creates them again, all data is lost
func (s *SQLiteStore) Reset() error {
	for _, table := range []string{"post", "user"} {
		if _, err := s.db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
	}
	log.Printf("[INFO] database tables dropped")
	return s.Initialize()
}

// CreateUser stores new user with already hashed password
func (s *SQLiteStore) CreateUser(username, passwordHash string) (User, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	now := time.Now()
	res, err := s.db.ExecContext(ctx, `INSERT INTO user (username, password, theme, created_at) VALUES (?, ?, ?, ?)`,
		username, passwordHash, enums.ThemeAuto, now.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return User{}, fmt.Errorf("user %q: %w", username, ErrUserExists)
		}
		return User{}, fmt.Errorf("failed to create user %q: %w", username, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, fmt.Errorf("failed to get id of user %q: %w", username, err)
	}
	return User{ID: id, Username: username, PasswordHash: passwordHash, Theme: enums.ThemeAuto,
		CreatedAt: time.Unix(now.Unix(), 0)}, nil
}

// GetUserByName returns user by username
func (s *SQLiteStore) GetUserByName(username string) (User, error) {
	return s.getUser("username = ?", username)
}

// GetUserByID returns user by id
func (s *SQLiteStore) GetUserByID(id int64) (User, error) {
	return s.getUser("id = ?", id)
}

func (s *SQLiteStore) getUser(cond string, arg any) (User, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var row userRow
	err := s.db.GetContext(ctx, &row, `SELECT id, username, password, theme, created_at FROM user WHERE `+cond, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to get user %v: %w", arg, err)
	}
	return row.toUser(), nil
}

// ListUsers returns all users ordered by id
func (s *SQLiteStore) ListUsers() ([]User, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, username, password, theme, created_at FROM user ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	res := make([]User, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.toUser())
	}
	return res, nil
}

// SetUserTheme updates user's theme
func (s *SQLiteStore) SetUserTheme(id int64, theme enums.Theme) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `UPDATE user SET theme = ? WHERE id = ?`, theme, id)
	if err != nil {
		return fmt.Errorf("failed to set theme for user %d: %w", id, err)
	}
	return expectAffected(res, fmt.Sprintf("user %d", id))
}

// CreatePost stores a new post
func (s *SQLiteStore) CreatePost(authorID int64, title, body string) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `INSERT INTO post (author_id, created_at, title, body) VALUES (?, ?, ?, ?)`,
		authorID, time.Now().Unix(), title, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create post: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get post id: %w", err)
	}
	return id, nil
}

// GetPost returns post by id with author name
func (s *SQLiteStore) GetPost(id int64) (Post, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var row postRow
	err := s.db.GetContext(ctx, &row, `SELECT p.id, p.author_id, u.username, p.title, p.body, p.created_at
		FROM post p JOIN user u ON p.author_id = u.id WHERE p.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Post{}, fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Post{}, fmt.Errorf("failed to get post %d: %w", id, err)
	}
	return row.toPost(), nil
}

// ListPosts returns all posts, newest first
func (s *SQLiteStore) ListPosts() ([]Post, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var rows []postRow
	err := s.db.SelectContext(ctx, &rows, `SELECT p.id, p.author_id, u.username, p.title, p.body, p.created_at
		FROM post p JOIN user u ON p.author_id = u.id ORDER BY p.created_at DESC, p.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	res := make([]Post, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.toPost())
	}
	return res, nil
}

// UpdatePost changes title and body of the post
func (s *SQLiteStore) UpdatePost(id int64, title, body string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `UPDATE post SET title = ?, body = ? WHERE id = ?`, title, body, id)
	if err != nil {
		return fmt.Errorf("failed to update post %d: %w", id, err)
	}
	return expectAffected(res, fmt.Sprintf("post %d", id))
}

// DeletePost removes the post
func (s *SQLiteStore) DeletePost(id int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM post WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete post %d: %w", id, err)
	}
	return expectAffected(res, fmt.Sprintf("post %d", id))
}

// Counts returns number of users and posts
func (s *SQLiteStore) Counts() (Counts, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var res Counts
	err := s.db.GetContext(ctx, &res, `SELECT (SELECT COUNT(*) FROM user) AS users, (SELECT COUNT(*) FROM post) AS posts`)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count records: %w", err)
	}
	return res, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func expectAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows for %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func (r userRow) toUser() User {
	u := r.User
	u.CreatedAt = time.Unix(r.Created, 0)
	return u
}

func (r postRow) toPost() Post {
	p := r.Post
	p.CreatedAt = time.Unix(r.Created, 0)
	return p
}
