package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "MEMEX-Node/internal/errors"
	"MEMEX-Node/internal/protocol"
)

const (
	versionColumns = `version, effective_epoch, fees, fee_split, staking, source_proposal, created_at`

	selectVersionBySourceSQL = `SELECT ` + versionColumns + ` FROM config_versions WHERE source_proposal = ?`
	lockLatestVersionSQL     = `SELECT ` + versionColumns + ` FROM config_versions ORDER BY version DESC LIMIT 1 FOR UPDATE`
	insertVersionSQL         = `INSERT INTO config_versions (` + versionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	listVersionsSQL          = `SELECT ` + versionColumns + ` FROM config_versions ORDER BY version`
)

// VersionStore 使用 MySQL 持久化配置版本。
type VersionStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewVersionStore 创建配置版本存储。
func NewVersionStore(db *sql.DB) *VersionStore {
	return &VersionStore{db: db, now: time.Now}
}

// Append 实现 protocol.VersionStore。最新版本在事务内加锁读取后交给 build，
// source_proposal 唯一约束保证同一提案只生成一个版本。
func (s *VersionStore) Append(ctx context.Context, source string, build protocol.BuildFunc) (protocol.ConfigVersion, bool, error) {
	if source != "" {
		existing, err := s.bySource(ctx, source)
		if err == nil {
			return existing, false, nil
		}
		if !stdErrors.Is(err, sql.ErrNoRows) {
			return protocol.ConfigVersion{}, false, classify(err, "查询配置版本失败")
		}
	}

	stored, err := s.insert(ctx, source, build)
	if err != nil {
		if isDuplicate(err) && source != "" {
			existing, lookupErr := s.bySource(ctx, source)
			if lookupErr == nil {
				return existing, false, nil
			}
		}
		return protocol.ConfigVersion{}, false, classify(err, "写入配置版本失败")
	}
	return stored, true, nil
}

func (s *VersionStore) insert(ctx context.Context, source string, build protocol.BuildFunc) (protocol.ConfigVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.ConfigVersion{}, err
	}
	defer tx.Rollback()

	var latest *protocol.ConfigVersion
	current, err := scanVersion(tx.QueryRowContext(ctx, lockLatestVersionSQL))
	switch {
	case err == nil:
		latest = &current
	case !stdErrors.Is(err, sql.ErrNoRows):
		return protocol.ConfigVersion{}, err
	}

	v, err := build(latest)
	if err != nil {
		return protocol.ConfigVersion{}, err
	}
	fees, err := json.Marshal(v.Fees)
	if err != nil {
		return protocol.ConfigVersion{}, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "序列化费用失败")
	}
	split, err := json.Marshal(v.FeeSplit)
	if err != nil {
		return protocol.ConfigVersion{}, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "序列化费用拆分失败")
	}
	staking, err := json.Marshal(v.Staking)
	if err != nil {
		return protocol.ConfigVersion{}, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "序列化质押参数失败")
	}

	v.Version = 1
	if latest != nil {
		v.Version = latest.Version + 1
	}
	v.SourceProposal = source
	v.CreatedAt = s.now().UTC().Truncate(time.Second)
	_, err = tx.ExecContext(ctx, insertVersionSQL,
		v.Version,
		v.EffectiveEpoch,
		string(fees),
		string(split),
		string(staking),
		nullString(v.SourceProposal),
		v.CreatedAt.Unix(),
	)
	if err != nil {
		return protocol.ConfigVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return protocol.ConfigVersion{}, err
	}
	return v, nil
}

// List 实现 protocol.VersionStore。
func (s *VersionStore) List(ctx context.Context) ([]protocol.ConfigVersion, error) {
	rows, err := s.db.QueryContext(ctx, listVersionsSQL)
	if err != nil {
		return nil, classify(err, "查询配置版本失败")
	}
	defer rows.Close()

	var versions []protocol.ConfigVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, classify(err, "解析配置版本失败")
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "遍历配置版本失败")
	}
	return versions, nil
}

// Close 实现 protocol.VersionStore。
func (s *VersionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *VersionStore) bySource(ctx context.Context, source string) (protocol.ConfigVersion, error) {
	return scanVersion(s.db.QueryRowContext(ctx, selectVersionBySourceSQL, source))
}

func scanVersion(row rowScanner) (protocol.ConfigVersion, error) {
	var (
		v                    protocol.ConfigVersion
		fees, split, staking string
		source               sql.NullString
		createdAt            int64
	)
	if err := row.Scan(&v.Version, &v.EffectiveEpoch, &fees, &split, &staking, &source, &createdAt); err != nil {
		return protocol.ConfigVersion{}, err
	}
	if err := json.Unmarshal([]byte(fees), &v.Fees); err != nil {
		return protocol.ConfigVersion{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析费用失败")
	}
	if err := json.Unmarshal([]byte(split), &v.FeeSplit); err != nil {
		return protocol.ConfigVersion{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析费用拆分失败")
	}
	if err := json.Unmarshal([]byte(staking), &v.Staking); err != nil {
		return protocol.ConfigVersion{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析质押参数失败")
	}
	v.SourceProposal = source.String
	v.CreatedAt = time.Unix(createdAt, 0).UTC()
	return v, nil
}

var _ protocol.VersionStore = (*VersionStore)(nil)
