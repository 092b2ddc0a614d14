package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
)

const saFunctionColumns = `
	f.id, f.name, f.df_type, f.params, f.var_setup, f.code, f.readonly_lines,
	f.library_function_id, lf.library_id, f.created_at, f.updated_at
`

const saFunctionFrom = `
	FROM sa_functions f
	LEFT JOIN library_functions lf ON lf.id = f.library_function_id
`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSaFunction(s scanner) (*models.SaFunction, error) {
	var (
		fn        models.SaFunction
		dfType    string
		params    pq.StringArray
		readonly  pq.Int64Array
		refFuncID sql.NullInt64
		refLibID  sql.NullInt64
	)
	if err := s.Scan(
		&fn.ID, &fn.Name, &dfType, &params, &fn.VarSetup, &fn.Code, &readonly,
		&refFuncID, &refLibID, &fn.CreatedAt, &fn.UpdatedAt,
	); err != nil {
		return nil, err
	}
	fn.Type = models.DfType{Direction: models.DfDirection(dfType), Params: []string(params)}
	fn.ReadonlyLines = models.NewLineSet(toInts(readonly)...)
	if refFuncID.Valid {
		fn.LibraryRef = &models.LibraryRef{FunctionID: refFuncID.Int64, LibraryID: refLibID.Int64}
	}
	return &fn, nil
}

// GetSaFunction 单个函数
func (r *PostgresRepository) GetSaFunction(ctx context.Context, id int64) (*models.SaFunction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+saFunctionColumns+saFunctionFrom+` WHERE f.id = $1`, id)
	fn, err := scanSaFunction(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sa function %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query sa function: %w", err)
	}
	return fn, nil
}

// listSaFunctions 按 ids 顺序返回，不存在的 id 被忽略
func (r *PostgresRepository) listSaFunctions(ctx context.Context, ids []int64) ([]*models.SaFunction, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+saFunctionColumns+saFunctionFrom+` WHERE f.id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query sa functions: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*models.SaFunction, len(ids))
	for rows.Next() {
		fn, err := scanSaFunction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sa function: %w", err)
		}
		byID[fn.ID] = fn
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*models.SaFunction, 0, len(byID))
	for _, id := range ids {
		if fn, ok := byID[id]; ok {
			out = append(out, fn)
		}
	}
	return out, nil
}

// ListDerivedFunctions 由库函数派生的 SaFunction，按创建时间、ID 排序
func (r *PostgresRepository) ListDerivedFunctions(ctx context.Context, libraryFunctionIDs []int64) (map[int64][]*models.SaFunction, error) {
	out := make(map[int64][]*models.SaFunction)
	if len(libraryFunctionIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+saFunctionColumns+saFunctionFrom+`
		WHERE f.library_function_id = ANY($1)
		ORDER BY f.created_at, f.id`, pq.Array(libraryFunctionIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query derived functions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		fn, err := scanSaFunction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan derived function: %w", err)
		}
		out[fn.LibraryRef.FunctionID] = append(out[fn.LibraryRef.FunctionID], fn)
	}
	return out, rows.Err()
}

// CreateSaFunction 新建函数，返回 ID
func (r *PostgresRepository) CreateSaFunction(ctx context.Context, fn *models.SaFunction) (int64, error) {
	var refID sql.NullInt64
	if fn.LibraryRef != nil {
		refID = sql.NullInt64{Int64: fn.LibraryRef.FunctionID, Valid: true}
	}
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO sa_functions (name, df_type, params, var_setup, code, readonly_lines, library_function_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`,
		fn.Name, string(fn.Type.Direction), textArray(fn.Type.Params), fn.VarSetup, fn.Code,
		fromInts(fn.ReadonlyLines.Ints()), refID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create sa function: %w", err)
	}
	return id, nil
}

// SaveSaFunction 保存函数内容
// 函数已被设备库引用时另存为新函数，不覆盖原记录；返回实际保存的函数 ID
func (r *PostgresRepository) SaveSaFunction(ctx context.Context, fn *models.SaFunction) (int64, error) {
	current, err := r.GetSaFunction(ctx, fn.ID)
	if err != nil {
		return 0, err
	}
	if current.SameContent(fn.VarSetup, fn.Code, fn.ReadonlyLines) {
		return current.ID, nil
	}

	var shared bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM device_libraries WHERE $1 = ANY(function_ids))`, fn.ID,
	).Scan(&shared); err != nil {
		return 0, fmt.Errorf("failed to check function usage: %w", err)
	}

	if shared {
		r.logger.Info("function is used by device library, saving as new function",
			zap.Int64("function_id", fn.ID),
		)
		return r.CreateSaFunction(ctx, fn)
	}

	if _, err := r.db.ExecContext(ctx, `
		UPDATE sa_functions
		SET var_setup = $2, code = $3, readonly_lines = $4, updated_at = NOW()
		WHERE id = $1
	`, fn.ID, fn.VarSetup, fn.Code, fromInts(fn.ReadonlyLines.Ints())); err != nil {
		return 0, fmt.Errorf("failed to update sa function: %w", err)
	}
	return fn.ID, nil
}
