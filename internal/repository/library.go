package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
)

// GetLibrary 静态库及其库函数、文件
func (r *PostgresRepository) GetLibrary(ctx context.Context, id int64) (*models.Library, error) {
	lib := &models.Library{ID: id}
	var (
		gvs string
		ro  pq.Int64Array
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT name, dir_path, basic_file_id, global_var_setup, gvs_readonly_lines
		FROM libraries
		WHERE id = $1
	`, id).Scan(&lib.Name, &lib.DirPath, &lib.BasicFileID, &gvs, &ro)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("library %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query library: %w", err)
	}
	lib.VarSetup = models.NewVarSetupBlock(gvs, toInts(ro))

	if lib.Functions, err = r.listLibraryFunctions(ctx, id); err != nil {
		return nil, err
	}
	if lib.Files, err = r.listFiles(ctx, ownerLibrary, id); err != nil {
		return nil, err
	}
	return lib, nil
}

func (r *PostgresRepository) listLibraryFunctions(ctx context.Context, libraryID int64) ([]models.LibraryFunction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, var_define, import_string, member_var_define, init_content, runs_content
		FROM library_functions
		WHERE library_id = $1
		ORDER BY id
	`, libraryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query library functions: %w", err)
	}
	defer rows.Close()

	var fns []models.LibraryFunction
	for rows.Next() {
		fn := models.LibraryFunction{LibraryID: libraryID}
		f := &fn.Fields
		if err := rows.Scan(&fn.ID, &fn.Name, &f.VarDefine, &f.ImportString, &f.MemberVarDefine, &f.InitContent, &f.RunsContent); err != nil {
			return nil, fmt.Errorf("failed to scan library function: %w", err)
		}
		fns = append(fns, fn)
	}
	return fns, rows.Err()
}

// CreateLibrary 保存导入的库
// 同一基础文件下已有同名库时清空旧的库函数和文件后复用
func (r *PostgresRepository) CreateLibrary(ctx context.Context, lib *models.Library) (int64, error) {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO libraries (name, dir_path, basic_file_id, global_var_setup, gvs_readonly_lines)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (basic_file_id, name) DO UPDATE
			SET dir_path = EXCLUDED.dir_path,
			    global_var_setup = EXCLUDED.global_var_setup,
			    gvs_readonly_lines = EXCLUDED.gvs_readonly_lines
			RETURNING id
		`, lib.Name, lib.DirPath, lib.BasicFileID, lib.VarSetup.Text(), fromInts(lib.VarSetup.ReadonlyLines.Ints())).Scan(&lib.ID)
		if err != nil {
			return fmt.Errorf("failed to upsert library: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM library_functions WHERE library_id = $1`, lib.ID); err != nil {
			return fmt.Errorf("failed to clear library functions: %w", err)
		}
		for i := range lib.Functions {
			fn := &lib.Functions[i]
			fn.LibraryID = lib.ID
			f := fn.Fields
			if err := tx.QueryRowContext(ctx, `
				INSERT INTO library_functions
					(library_id, name, var_define, import_string, member_var_define, init_content, runs_content)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING id
			`, lib.ID, fn.Name, f.VarDefine, f.ImportString, f.MemberVarDefine, f.InitContent, f.RunsContent).Scan(&fn.ID); err != nil {
				return fmt.Errorf("failed to insert library function %s: %w", fn.Name, err)
			}
		}
		return replaceFiles(ctx, tx, ownerLibrary, lib.ID, lib.Files)
	})
	if err != nil {
		return 0, err
	}
	return lib.ID, nil
}

// GetDeviceLibrary 设备库及其函数、设备功能、文件
func (r *PostgresRepository) GetDeviceLibrary(ctx context.Context, id int64) (*models.DeviceLibrary, error) {
	dl := &models.DeviceLibrary{ID: id}
	var (
		userID sql.NullInt64
		gvs    string
		ro     pq.Int64Array
		deps   pq.Int64Array
		fnIDs  pq.Int64Array
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT name, dir_path, basic_file_id, user_id, global_var_setup, gvs_readonly_lines,
		       dependency_ids, function_ids
		FROM device_libraries
		WHERE id = $1
	`, id).Scan(&dl.Name, &dl.DirPath, &dl.BasicFileID, &userID, &gvs, &ro, &deps, &fnIDs)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("device library %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device library: %w", err)
	}
	dl.UserID = int64Ptr(userID)
	dl.VarSetup = models.NewVarSetupBlock(gvs, toInts(ro))
	dl.Dependencies = []int64(deps)

	if dl.Functions, err = r.listSaFunctions(ctx, fnIDs); err != nil {
		return nil, err
	}
	if dl.Features, err = r.listFeatures(ctx, ownerDeviceLibrary, id); err != nil {
		return nil, err
	}
	if dl.Files, err = r.listFiles(ctx, ownerDeviceLibrary, id); err != nil {
		return nil, err
	}
	return dl, nil
}

// FindDeviceLibrary 按名称查找设备库（优先当前用户的，其次全局的）
func (r *PostgresRepository) FindDeviceLibrary(ctx context.Context, basicFileID int64, name string, userID *int64) (*models.DeviceLibrary, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		SELECT id
		FROM device_libraries
		WHERE basic_file_id = $1 AND name = $2
		  AND (user_id IS NOT DISTINCT FROM $3 OR user_id IS NULL)
		ORDER BY user_id NULLS LAST, id
		LIMIT 1
	`, basicFileID, name, nullInt64(userID)).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("device library %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find device library: %w", err)
	}
	return r.GetDeviceLibrary(ctx, id)
}

// SaveDeviceLibrary 新建（ID 为 0）或覆盖设备库，包括设备功能和文件
func (r *PostgresRepository) SaveDeviceLibrary(ctx context.Context, dl *models.DeviceLibrary) (int64, error) {
	fnIDs := make([]int64, 0, len(dl.Functions))
	for _, fn := range dl.Functions {
		fnIDs = append(fnIDs, fn.ID)
	}

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		args := []interface{}{
			dl.Name, dl.DirPath, dl.BasicFileID, nullInt64(dl.UserID), dl.VarSetup.Text(),
			fromInts(dl.VarSetup.ReadonlyLines.Ints()), int64Array(dl.Dependencies), int64Array(fnIDs),
		}
		if dl.ID == 0 {
			if err := tx.QueryRowContext(ctx, `
				INSERT INTO device_libraries
					(name, dir_path, basic_file_id, user_id, global_var_setup, gvs_readonly_lines, dependency_ids, function_ids)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				RETURNING id
			`, args...).Scan(&dl.ID); err != nil {
				return fmt.Errorf("failed to insert device library: %w", err)
			}
		} else {
			res, err := tx.ExecContext(ctx, `
				UPDATE device_libraries
				SET name = $1, dir_path = $2, basic_file_id = $3, user_id = $4, global_var_setup = $5,
				    gvs_readonly_lines = $6, dependency_ids = $7, function_ids = $8
				WHERE id = $9
			`, append(args, dl.ID)...)
			if err != nil {
				return fmt.Errorf("failed to update device library: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("device library %d: %w", dl.ID, ErrNotFound)
			}
		}

		if err := replaceFeatures(ctx, tx, ownerDeviceLibrary, dl.ID, dl.Features); err != nil {
			return err
		}
		return replaceFiles(ctx, tx, ownerDeviceLibrary, dl.ID, dl.Files)
	})
	if err != nil {
		return 0, err
	}
	return dl.ID, nil
}

// LoadStack 按 key 顺序加载库栈，不存在的库被跳过
func (r *PostgresRepository) LoadStack(ctx context.Context, keys []models.LibraryKey) ([]models.StackEntry, error) {
	stack := make([]models.StackEntry, 0, len(keys))
	for _, k := range keys {
		var (
			entry models.StackEntry
			err   error
		)
		switch k.Kind {
		case models.KindLibrary:
			entry.Library, err = r.GetLibrary(ctx, k.ID)
		case models.KindDeviceLibrary:
			entry.DeviceLibrary, err = r.GetDeviceLibrary(ctx, k.ID)
		default:
			err = fmt.Errorf("library %s: %w", k, ErrNotFound)
		}
		if errors.Is(err, ErrNotFound) {
			r.logger.Debug("skip missing library", zap.String("key", k.String()))
			continue
		}
		if err != nil {
			return nil, err
		}
		stack = append(stack, entry)
	}
	return stack, nil
}
