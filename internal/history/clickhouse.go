package history

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseSink sends events to ClickHouse using the official Go client.
// The target table must exist; a suitable definition is
//
//	CREATE TABLE restart_history (
//	    type String, occurred_at DateTime64(3), trigger_kind String,
//	    rule_id String, config_path String, pid Int32, exit_code Int32,
//	    detail String
//	) ENGINE = MergeTree ORDER BY occurred_at;
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

func NewClickHouseSink(addr, database, username, password, table string) (*ClickHouseSink, error) {
	if database == "" {
		database = "default"
	}
	if table == "" {
		table = "restart_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &ClickHouseSink{conn: conn, table: table}, nil
}

func (s *ClickHouseSink) Record(ctx context.Context, e Event) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (type, occurred_at, trigger_kind, rule_id, config_path, pid, exit_code, detail) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.table)
	if err := s.conn.Exec(ctx, query,
		string(e.Type), e.OccurredAt, e.Trigger, e.RuleID, e.ConfigPath,
		int32(e.PID), int32(e.ExitCode), e.Detail); err != nil {
		return fmt.Errorf("insert event into clickhouse: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
