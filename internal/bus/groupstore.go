package bus

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"meanrev/pkg/conn"
)

// groupOffset is the persisted high-water mark for one (group, symbol)
// pair — the last Seq ever delivered, used by the startup replay policy to
// avoid rewinding into history predating group creation.
type groupOffset struct {
	Group         string `gorm:"primaryKey"`
	Symbol        string `gorm:"primaryKey"`
	LastDelivered uint64
}

func (groupOffset) TableName() string { return "bus_group_offsets" }

// groupPendingEntry is a delivered-but-unacknowledged record. Acking a
// delivery deletes its row; ReclaimIdle re-stamps ClaimedAt for rows older
// than the idle threshold and returns them for re-delivery.
type groupPendingEntry struct {
	Group     string `gorm:"primaryKey"`
	Symbol    string `gorm:"primaryKey"`
	Seq       uint64 `gorm:"primaryKey"`
	Kind      uint16
	Version   uint16
	Flags     uint16
	TsEvent   int64
	TsRecv    int64
	TraceID   uint64
	Payload   []byte
	ClaimedAt time.Time
}

func (groupPendingEntry) TableName() string { return "bus_group_pending" }

// PostgresGroupStore is the Postgres-backed GroupStore, storing consumer
// group offsets and pending lists so group membership survives an executor
// restart (spec §4.G). It is built on the same Postgres client wrapper the
// rest of the codebase uses for durable, relational state.
type PostgresGroupStore struct {
	db *gorm.DB
}

// NewPostgresGroupStore wraps an established client and ensures its tables
// exist.
func NewPostgresGroupStore(client *conn.Client) (*PostgresGroupStore, error) {
	db := client.DB()
	if err := db.AutoMigrate(&groupOffset{}, &groupPendingEntry{}); err != nil {
		return nil, err
	}
	return &PostgresGroupStore{db: db}, nil
}

func (s *PostgresGroupStore) LastDelivered(ctx context.Context, group, symbol string) (uint64, error) {
	var row groupOffset
	err := s.db.WithContext(ctx).
		Where("\"group\" = ? AND symbol = ?", group, symbol).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.LastDelivered, nil
}

func (s *PostgresGroupStore) Claim(ctx context.Context, group, symbol string, entry PendingEntry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := groupPendingEntry{
			Group: group, Symbol: symbol, Seq: entry.Seq,
			Kind: uint16(entry.Header.Kind), Version: entry.Header.Version, Flags: entry.Header.Flags,
			TsEvent: entry.Header.TsEvent, TsRecv: entry.Header.TsRecv, TraceID: entry.Header.TraceID,
			Payload: entry.Payload, ClaimedAt: entry.ClaimedAt,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "group"}, {Name: "symbol"}, {Name: "seq"}},
			DoUpdates: clause.AssignmentColumns([]string{"claimed_at"}),
		}).Create(&row).Error; err != nil {
			return err
		}

		offset := groupOffset{Group: group, Symbol: symbol, LastDelivered: entry.Seq}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "group"}, {Name: "symbol"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"last_delivered": gorm.Expr("GREATEST(bus_group_offsets.last_delivered, EXCLUDED.last_delivered)"),
			}),
		}).Create(&offset).Error
	})
}

func (s *PostgresGroupStore) Ack(ctx context.Context, group, symbol string, seq uint64) error {
	return s.db.WithContext(ctx).
		Where("\"group\" = ? AND symbol = ? AND seq = ?", group, symbol, seq).
		Delete(&groupPendingEntry{}).Error
}

func (s *PostgresGroupStore) Pending(ctx context.Context, group, symbol string) ([]PendingEntry, error) {
	var rows []groupPendingEntry
	if err := s.db.WithContext(ctx).
		Where("\"group\" = ? AND symbol = ?", group, symbol).
		Order("seq asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toPendingEntries(rows), nil
}

func (s *PostgresGroupStore) ReclaimIdle(ctx context.Context, group, symbol string, idleThreshold time.Duration, now time.Time) ([]PendingEntry, error) {
	var rows []groupPendingEntry
	cutoff := now.Add(-idleThreshold)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("\"group\" = ? AND symbol = ? AND claimed_at < ?", group, symbol, cutoff).
			Order("seq asc").
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		seqs := make([]uint64, len(rows))
		for i, r := range rows {
			seqs[i] = r.Seq
		}
		return tx.Model(&groupPendingEntry{}).
			Where("\"group\" = ? AND symbol = ? AND seq IN ?", group, symbol, seqs).
			Update("claimed_at", now).Error
	})
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].ClaimedAt = now
	}
	return toPendingEntries(rows), nil
}

func toPendingEntries(rows []groupPendingEntry) []PendingEntry {
	out := make([]PendingEntry, len(rows))
	for i, r := range rows {
		out[i] = PendingEntry{
			Seq: r.Seq,
			Header: RecordHeader{
				Kind: RecordKind(r.Kind), Version: r.Version, Flags: r.Flags,
				Seq: r.Seq, TsEvent: r.TsEvent, TsRecv: r.TsRecv, TraceID: r.TraceID,
			},
			Payload:   r.Payload,
			ClaimedAt: r.ClaimedAt,
		}
	}
	return out
}
