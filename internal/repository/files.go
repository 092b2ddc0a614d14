package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (r *PostgresRepository) listFiles(ctx context.Context, kind string, ownerID int64) ([]models.FileRef, error) {
	query := `
		SELECT file_path, real_path
		FROM files
		WHERE owner_kind = $1 AND owner_id = $2
		ORDER BY file_path, id
	`
	rows, err := r.db.QueryContext(ctx, query, kind, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []models.FileRef
	for rows.Next() {
		var f models.FileRef
		if err := rows.Scan(&f.Path, &f.Handle); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func replaceFiles(ctx context.Context, ex execer, kind string, ownerID int64, files []models.FileRef) error {
	if _, err := ex.ExecContext(ctx, `DELETE FROM files WHERE owner_kind = $1 AND owner_id = $2`, kind, ownerID); err != nil {
		return fmt.Errorf("failed to delete files: %w", err)
	}
	for _, f := range files {
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO files (owner_kind, owner_id, file_path, real_path) VALUES ($1, $2, $3, $4)`,
			kind, ownerID, f.Path, f.Handle,
		); err != nil {
			return fmt.Errorf("failed to insert file %s: %w", f.Path, err)
		}
	}
	return nil
}

// GetBasicFile 基础文件组及其文件
func (r *PostgresRepository) GetBasicFile(ctx context.Context, id int64) (*models.BasicFile, error) {
	bf := &models.BasicFile{ID: id}
	err := r.db.QueryRowContext(ctx,
		`SELECT name, language FROM basic_files WHERE id = $1`, id,
	).Scan(&bf.Name, &bf.Language)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("basic file %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query basic file: %w", err)
	}
	if bf.Files, err = r.ListBasicFileFiles(ctx, id); err != nil {
		return nil, err
	}
	return bf, nil
}

// ListBasicFileFiles 基础文件组的文件
func (r *PostgresRepository) ListBasicFileFiles(ctx context.Context, basicFileID int64) ([]models.FileRef, error) {
	return r.listFiles(ctx, ownerBasicFile, basicFileID)
}

// ListLibraryFiles 多个库的文件，按 libraryIDs 顺序分组
func (r *PostgresRepository) ListLibraryFiles(ctx context.Context, libraryIDs []int64) ([][]models.FileRef, error) {
	query := `
		SELECT owner_id, file_path, real_path
		FROM files
		WHERE owner_kind = $1 AND owner_id = ANY($2)
		ORDER BY file_path, id
	`
	rows, err := r.db.QueryContext(ctx, query, ownerLibrary, pq.Array(libraryIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query library files: %w", err)
	}
	defer rows.Close()

	byLib := make(map[int64][]models.FileRef, len(libraryIDs))
	for rows.Next() {
		var id int64
		var f models.FileRef
		if err := rows.Scan(&id, &f.Path, &f.Handle); err != nil {
			return nil, fmt.Errorf("failed to scan library file: %w", err)
		}
		byLib[id] = append(byLib[id], f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([][]models.FileRef, len(libraryIDs))
	for i, id := range libraryIDs {
		out[i] = byLib[id]
	}
	return out, nil
}
