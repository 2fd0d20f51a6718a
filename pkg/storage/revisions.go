package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"
)

// Revision describes one named snapshot of a document.
type Revision struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	SavedAt time.Time `json:"savedAt"`
}

// ErrUnknownRevision is returned for a revision id that is not part of a
// document's history.
var ErrUnknownRevision = errors.New("unknown revision")

// RevisionStore keeps the named revisions of every document as one
// automerge history per document, stored zstd compressed in sqlite. Each
// revision is a commit whose message is its name and whose "state" field
// holds the JSON document state at that time.
type RevisionStore struct {
	database *sql.DB
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder

	// mu serializes the read-modify-write of a history.
	mu sync.Mutex
}

func OpenRevisionStore(ctx context.Context, path string) (*RevisionStore, error) {
	database, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open revisions database: %w", err)
	}
	if _, err := database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS histories (
		document_id text not null primary key,
		content blob not null
		)`,
	); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to create histories table: %w", err)
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	return &RevisionStore{database: database, encoder: encoder, decoder: decoder}, nil
}

func (s *RevisionStore) Close() error {
	s.decoder.Close()
	if err := s.encoder.Close(); err != nil {
		return err
	}
	return s.database.Close()
}

// History loads the automerge document holding every revision of
// documentID. A document without revisions has an empty history.
func (s *RevisionStore) History(ctx context.Context, documentID string) (*automerge.Doc, error) {
	var content []byte
	err := s.database.QueryRowContext(ctx, `SELECT content FROM histories WHERE document_id = ?`, documentID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return automerge.New(), nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to query history of %s: %w", documentID, err)
	}
	raw, err := s.decoder.DecodeAll(content, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress history of %s: %w", documentID, err)
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load history of %s: %w", documentID, err)
	}
	return doc, nil
}

// Save records state (already JSON encoded) as a new revision called name.
func (s *RevisionStore) Save(ctx context.Context, documentID, name string, state []byte, at time.Time) (Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.History(ctx, documentID)
	if err != nil {
		return Revision{}, err
	}
	if err := doc.Path("state").Set(string(state)); err != nil {
		return Revision{}, fmt.Errorf("failed to set state: %w", err)
	}
	hash, err := doc.Commit(name, automerge.CommitOptions{AllowEmpty: true, Time: &at})
	if err != nil {
		return Revision{}, fmt.Errorf("failed to commit revision: %w", err)
	}

	content := s.encoder.EncodeAll(doc.Save(), nil)
	if _, err := s.database.ExecContext(ctx,
		`INSERT INTO histories (document_id, content) VALUES (?, ?)
		ON CONFLICT (document_id) DO UPDATE SET content = excluded.content`,
		documentID, content,
	); err != nil {
		return Revision{}, fmt.Errorf("failed to persist history of %s: %w", documentID, err)
	}
	return Revision{ID: hash.String(), Name: name, SavedAt: at}, nil
}

// Revisions lists the named revisions of documentID, oldest first.
func (s *RevisionStore) Revisions(ctx context.Context, documentID string) ([]Revision, error) {
	doc, err := s.History(ctx, documentID)
	if err != nil {
		return nil, err
	}
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	revisions := make([]Revision, 0, len(changes))
	for _, change := range changes {
		if change.Message() == "" {
			continue
		}
		revisions = append(revisions, Revision{
			ID:      change.Hash().String(),
			Name:    change.Message(),
			SavedAt: change.Timestamp(),
		})
	}
	return revisions, nil
}

// Revision returns the JSON state saved as revisionID.
func (s *RevisionStore) Revision(ctx context.Context, documentID, revisionID string) ([]byte, error) {
	hash, err := automerge.NewChangeHash(revisionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRevision, revisionID)
	}
	doc, err := s.History(ctx, documentID)
	if err != nil {
		return nil, err
	}
	docAt, err := doc.Fork(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRevision, revisionID)
	}
	value, err := docAt.Path("state").Get()
	if err != nil {
		return nil, fmt.Errorf("failed to read revision %s: %w", revisionID, err)
	}
	return []byte(value.Str()), nil
}

// Delete drops the whole history of documentID.
func (s *RevisionStore) Delete(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.database.ExecContext(ctx, `DELETE FROM histories WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("failed to delete history of %s: %w", documentID, err)
	}
	return nil
}

// DocumentIDs lists every document with at least one revision.
func (s *RevisionStore) DocumentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.database.QueryContext(ctx, `SELECT document_id FROM histories ORDER BY document_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
