package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
)

func (r *PostgresRepository) listFeatures(ctx context.Context, kind string, ownerID int64) ([]models.DeviceFeature, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, df_type, params
		FROM device_features
		WHERE owner_kind = $1 AND owner_id = $2
		ORDER BY id
	`, kind, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query device features: %w", err)
	}
	defer rows.Close()

	var (
		features []models.DeviceFeature
		ids      []int64
	)
	for rows.Next() {
		var (
			f      models.DeviceFeature
			dfType string
			params pq.StringArray
		)
		if err := rows.Scan(&f.ID, &f.Name, &dfType, &params); err != nil {
			return nil, fmt.Errorf("failed to scan device feature: %w", err)
		}
		f.Type = models.DfType{Direction: models.DfDirection(dfType), Params: []string(params)}
		features = append(features, f)
		ids = append(ids, f.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(features) == 0 {
		return features, nil
	}

	rels, err := r.listRelations(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range features {
		features[i].Relations = rels[features[i].ID]
	}
	return features, nil
}

func (r *PostgresRepository) listRelations(ctx context.Context, featureIDs []int64) (map[int64][]models.FunctionRelation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ff.feature_id, ff.var_setup, ff.selected, `+saFunctionColumns+`
		FROM feature_functions ff
		JOIN sa_functions f ON f.id = ff.function_id
		LEFT JOIN library_functions lf ON lf.id = f.library_function_id
		WHERE ff.feature_id = ANY($1)
		ORDER BY ff.feature_id, ff.position
	`, pq.Array(featureIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query function relations: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]models.FunctionRelation)
	for rows.Next() {
		var (
			featureID int64
			rel       models.FunctionRelation
		)
		fn, err := scanSaFunction(prefixScanner{rows, []interface{}{&featureID, &rel.VarSetup, &rel.Selected}})
		if err != nil {
			return nil, fmt.Errorf("failed to scan function relation: %w", err)
		}
		rel.Function = fn
		out[featureID] = append(out[featureID], rel)
	}
	return out, rows.Err()
}

// prefixScanner 在 SaFunction 列之前扫描额外的列
type prefixScanner struct {
	s      scanner
	prefix []interface{}
}

func (p prefixScanner) Scan(dest ...interface{}) error {
	return p.s.Scan(append(append([]interface{}{}, p.prefix...), dest...)...)
}

func replaceFeatures(ctx context.Context, tx *sql.Tx, kind string, ownerID int64, features []models.DeviceFeature) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM device_features WHERE owner_kind = $1 AND owner_id = $2`, kind, ownerID); err != nil {
		return fmt.Errorf("failed to delete device features: %w", err)
	}
	for _, f := range features {
		var id int64
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO device_features (owner_kind, owner_id, name, df_type, params)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, kind, ownerID, f.Name, string(f.Type.Direction), textArray(f.Type.Params)).Scan(&id); err != nil {
			return fmt.Errorf("failed to insert device feature %s: %w", f.Name, err)
		}
		for pos, rel := range f.Relations {
			if rel.Function == nil {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO feature_functions (feature_id, function_id, var_setup, selected, position)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (feature_id, function_id) DO NOTHING
			`, id, rel.Function.ID, rel.VarSetup, rel.Selected, pos); err != nil {
				return fmt.Errorf("failed to insert function relation: %w", err)
			}
		}
	}
	return nil
}

// GetDevice 设备及其设备功能
func (r *PostgresRepository) GetDevice(ctx context.Context, id int64) (*models.Device, error) {
	d := &models.Device{ID: id}
	var (
		userID sql.NullInt64
		gvs    string
		ro     pq.Int64Array
		stack  pq.StringArray
		fnIDs  pq.Int64Array
		used   pq.StringArray
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT name, dm_name, user_id, basic_file_id, server_url, device_address, push_interval,
		       global_var_setup, gvs_readonly_lines, library_stack, function_ids, used_features
		FROM devices
		WHERE id = $1
	`, id).Scan(&d.Name, &d.DMName, &userID, &d.BasicFileID, &d.ServerURL, &d.DeviceAddr, &d.PushInterval,
		&gvs, &ro, &stack, &fnIDs, &used)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	d.UserID = int64Ptr(userID)
	d.VarSetup = models.NewVarSetupBlock(gvs, toInts(ro))
	d.FunctionIDs = []int64(fnIDs)
	d.UsedFeatures = []string(used)
	if d.LibraryStack, err = models.ParseLibraryKeys(stack...); err != nil {
		return nil, fmt.Errorf("device %d has invalid library stack: %w", id, err)
	}

	if d.Features, err = r.listFeatures(ctx, ownerDevice, id); err != nil {
		return nil, err
	}
	return d, nil
}

// SaveDevice 新建（ID 为 0）或覆盖设备，包括设备功能
func (r *PostgresRepository) SaveDevice(ctx context.Context, d *models.Device) (int64, error) {
	stack := make([]string, len(d.LibraryStack))
	for i, k := range d.LibraryStack {
		stack[i] = k.String()
	}

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		args := []interface{}{
			d.Name, d.DMName, nullInt64(d.UserID), d.BasicFileID, d.ServerURL, d.DeviceAddr, d.PushInterval,
			d.VarSetup.Text(), fromInts(d.VarSetup.ReadonlyLines.Ints()), textArray(stack),
			int64Array(d.FunctionIDs), textArray(d.UsedFeatures),
		}
		if d.ID == 0 {
			if err := tx.QueryRowContext(ctx, `
				INSERT INTO devices
					(name, dm_name, user_id, basic_file_id, server_url, device_address, push_interval,
					 global_var_setup, gvs_readonly_lines, library_stack, function_ids, used_features)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				RETURNING id
			`, args...).Scan(&d.ID); err != nil {
				return fmt.Errorf("failed to insert device: %w", err)
			}
		} else {
			res, err := tx.ExecContext(ctx, `
				UPDATE devices
				SET name = $1, dm_name = $2, user_id = $3, basic_file_id = $4, server_url = $5,
				    device_address = $6, push_interval = $7, global_var_setup = $8, gvs_readonly_lines = $9,
				    library_stack = $10, function_ids = $11, used_features = $12
				WHERE id = $13
			`, append(args, d.ID)...)
			if err != nil {
				return fmt.Errorf("failed to update device: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("device %d: %w", d.ID, ErrNotFound)
			}
		}
		return replaceFeatures(ctx, tx, ownerDevice, d.ID, d.Features)
	})
	if err != nil {
		return 0, err
	}
	return d.ID, nil
}

// SaveDeviceSelection 保存选择结果：生效函数和合并后的变量设置
func (r *PostgresRepository) SaveDeviceSelection(ctx context.Context, deviceID int64, functionIDs []int64, vs models.VarSetupBlock) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET function_ids = $2, global_var_setup = $3, gvs_readonly_lines = $4
		WHERE id = $1
	`, deviceID, int64Array(functionIDs), vs.Text(), fromInts(vs.ReadonlyLines.Ints()))
	if err != nil {
		return fmt.Errorf("failed to save device selection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %d: %w", deviceID, ErrNotFound)
	}
	return nil
}
