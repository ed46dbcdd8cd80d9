package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/models"
)

const standbyTimeout = 10 * time.Second

type streamOffset struct {
	LSN string `json:"lsn"`
}

// streamOffset returns the current WAL position. A since time cannot be
// mapped to a WAL position, so it is ignored with a warning.
func (c *Connector) streamOffset(ctx context.Context, _ *core.ConnectorContext, _ []string, since *time.Time) (core.Offset, error) {
	if since != nil {
		c.logger.Warn("stream offset by time is not supported, starting at the current WAL position",
			zap.Time("since", *since))
	}
	var lsn string
	if err := c.pool.QueryRow(ctx, "SELECT pg_current_wal_lsn()::text").Scan(&lsn); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read WAL position")
	}
	return core.EncodeOffset(streamOffset{LSN: lsn})
}

// streamRead follows the replication slot from offset and delivers the
// events of each transaction once it commits. It runs until ctx ends.
func (c *Connector) streamRead(ctx context.Context, _ *core.ConnectorContext, tables []string, offset core.Offset, batchSize int, consumer core.Consumer) error {
	var start pglogrepl.LSN
	if !offset.IsEmpty() {
		var o streamOffset
		if err := offset.Decode(&o); err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "invalid stream offset")
		}
		lsn, err := pglogrepl.ParseLSN(o.LSN)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "invalid stream offset")
		}
		start = lsn
	}
	if err := c.ensurePublication(ctx, tables); err != nil {
		return err
	}

	connConfig, err := pgconn.ParseConfig(c.cfg.ConnString())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse replication connection string")
	}
	connConfig.RuntimeParams["replication"] = "database"
	conn, err := pgconn.ConnectConfig(ctx, connConfig)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStreamConnect, "failed to open replication connection")
	}
	defer conn.Close(context.Background())

	if err := c.ensureSlot(ctx, conn); err != nil {
		return err
	}
	err = pglogrepl.StartReplication(ctx, conn, c.cfg.Slot, start, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{"proto_version '1'", fmt.Sprintf("publication_names '%s'", c.cfg.Publication)},
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStreamConnect, "failed to start replication")
	}
	c.logger.Info("started logical replication", zap.String("slot", c.cfg.Slot), zap.String("start_lsn", start.String()))

	d := newDecoder(c.typeMap, tables)
	confirmed := start
	deadline := time.Now().Add(standbyTimeout)
	for {
		if time.Now().After(deadline) {
			if err := sendStandby(ctx, conn, confirmed); err != nil {
				return err
			}
			deadline = time.Now().Add(standbyTimeout)
		}

		recvCtx, cancel := context.WithDeadline(ctx, deadline)
		msg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pgconn.Timeout(err) {
				continue
			}
			return errors.Wrap(err, errors.ErrorTypeStreamConnect, "failed to receive replication message")
		}

		switch m := msg.(type) {
		case *pgproto3.ErrorResponse:
			return errors.Newf(errors.ErrorTypeStreamConnect, "replication error: %s", m.Message)
		case *pgproto3.CopyData:
			if len(m.Data) == 0 {
				continue
			}
			switch m.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(m.Data[1:])
				if err != nil {
					return errors.Wrap(err, errors.ErrorTypeData, "failed to parse keepalive")
				}
				if ka.ReplyRequested {
					deadline = time.Time{}
				}
			case pglogrepl.XLogDataByteID:
				xld, err := pglogrepl.ParseXLogData(m.Data[1:])
				if err != nil {
					return errors.Wrap(err, errors.ErrorTypeData, "failed to parse XLogData")
				}
				lm, err := pglogrepl.Parse(xld.WALData)
				if err != nil {
					return errors.Wrap(err, errors.ErrorTypeData, "failed to parse logical replication message")
				}
				commit, err := d.apply(lm)
				if err != nil {
					return err
				}
				if commit == 0 {
					continue
				}
				if err := d.flush(confirmed, commit, batchSize, consumer); err != nil {
					return err
				}
				confirmed = commit
			}
		}
	}
}

func sendStandby(ctx context.Context, conn *pgconn.PgConn, lsn pglogrepl.LSN) error {
	err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
		WALFlushPosition: lsn,
		WALApplyPosition: lsn,
		ClientTime:       time.Now(),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStreamConnect, "failed to send standby status")
	}
	return nil
}

// ensurePublication creates the publication for tables or adds the missing ones
func (c *Connector) ensurePublication(ctx context.Context, tables []string) error {
	var exists bool
	err := c.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM pg_publication WHERE pubname = $1)", c.cfg.Publication).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to check publication")
	}
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = qualified(c.cfg.Schema, t)
	}
	pub := quote(c.cfg.Publication)
	if !exists {
		stmt := "CREATE PUBLICATION " + pub + " FOR TABLE " + strings.Join(names, ", ")
		if len(tables) == 0 {
			stmt = "CREATE PUBLICATION " + pub + " FOR ALL TABLES"
		}
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStreamConnect, "failed to create publication")
		}
		return nil
	}

	rows, err := c.pool.Query(ctx, "SELECT tablename FROM pg_publication_tables WHERE pubname = $1 AND schemaname = $2",
		c.cfg.Publication, c.cfg.Schema)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to list publication tables")
	}
	published := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan publication table")
		}
		published[name] = true
	}
	rows.Close()
	for i, t := range tables {
		if published[t] {
			continue
		}
		if _, err := c.pool.Exec(ctx, "ALTER PUBLICATION "+pub+" ADD TABLE "+names[i]); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStreamConnect, "failed to add table to publication").
				WithDetail("table", t)
		}
	}
	return nil
}

func (c *Connector) ensureSlot(ctx context.Context, conn *pgconn.PgConn) error {
	var exists bool
	err := c.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)", c.cfg.Slot).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to check replication slot")
	}
	if exists {
		return nil
	}
	res, err := pglogrepl.CreateReplicationSlot(ctx, conn, c.cfg.Slot, "pgoutput", pglogrepl.CreateReplicationSlotOptions{})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStreamConnect, "failed to create replication slot")
	}
	c.logger.Info("created replication slot", zap.String("slot", c.cfg.Slot), zap.String("consistent_point", res.ConsistentPoint))
	return nil
}

// decoder turns pgoutput messages into events, holding the events of the
// open transaction until its commit
type decoder struct {
	typeMap   *pgtype.Map
	tables    map[string]bool
	relations map[uint32]*pglogrepl.RelationMessage
	pending   []models.Event
}

func newDecoder(typeMap *pgtype.Map, tables []string) *decoder {
	d := &decoder{typeMap: typeMap, relations: map[uint32]*pglogrepl.RelationMessage{}}
	if len(tables) > 0 {
		d.tables = map[string]bool{}
		for _, t := range tables {
			d.tables[t] = true
		}
	}
	return d
}

// apply decodes one message. It returns the end position of a transaction
// when m commits one, zero otherwise.
func (d *decoder) apply(m pglogrepl.Message) (pglogrepl.LSN, error) {
	switch v := m.(type) {
	case *pglogrepl.RelationMessage:
		d.relations[v.RelationID] = v
	case *pglogrepl.BeginMessage:
		d.pending = d.pending[:0]
	case *pglogrepl.InsertMessage:
		rel, ok := d.relation(v.RelationID)
		if !ok {
			return 0, nil
		}
		after, err := d.tuple(rel, v.Tuple)
		if err != nil {
			return 0, err
		}
		d.pending = append(d.pending, models.NewInsert(rel.RelationName, after))
	case *pglogrepl.UpdateMessage:
		rel, ok := d.relation(v.RelationID)
		if !ok {
			return 0, nil
		}
		after, err := d.tuple(rel, v.NewTuple)
		if err != nil {
			return 0, err
		}
		var before map[string]interface{}
		if v.OldTuple != nil {
			if before, err = d.tuple(rel, v.OldTuple); err != nil {
				return 0, err
			}
		}
		d.pending = append(d.pending, models.NewUpdate(rel.RelationName, before, after))
	case *pglogrepl.DeleteMessage:
		rel, ok := d.relation(v.RelationID)
		if !ok {
			return 0, nil
		}
		before, err := d.tuple(rel, v.OldTuple)
		if err != nil {
			return 0, err
		}
		d.pending = append(d.pending, models.NewDelete(rel.RelationName, before))
	case *pglogrepl.TruncateMessage:
		ids := append([]uint32(nil), v.RelationIDs...)
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			if rel, ok := d.relation(id); ok {
				e := &models.ClearTable{}
				e.TableID = rel.RelationName
				d.pending = append(d.pending, e)
			}
		}
	case *pglogrepl.CommitMessage:
		return v.TransactionEndLSN, nil
	}
	return 0, nil
}

func (d *decoder) relation(id uint32) (*pglogrepl.RelationMessage, bool) {
	rel, ok := d.relations[id]
	if !ok {
		return nil, false
	}
	if d.tables != nil && !d.tables[rel.RelationName] {
		return nil, false
	}
	return rel, true
}

// tuple decodes text format columns by type OID. Unchanged TOAST values are
// left out of the image.
func (d *decoder) tuple(rel *pglogrepl.RelationMessage, t *pglogrepl.TupleData) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if t == nil {
		return out, nil
	}
	for i, col := range t.Columns {
		if i >= len(rel.Columns) {
			break
		}
		rc := rel.Columns[i]
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			out[rc.Name] = nil
		case pglogrepl.TupleDataTypeToast:
		case pglogrepl.TupleDataTypeText:
			v, err := d.decode(col.Data, rc.DataType)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode column").
					WithDetail("table", rel.RelationName).WithDetail("column", rc.Name)
			}
			out[rc.Name] = v
		}
	}
	return out, nil
}

func (d *decoder) decode(data []byte, oid uint32) (interface{}, error) {
	if dt, ok := d.typeMap.TypeForOID(oid); ok {
		return dt.Codec.DecodeValue(d.typeMap, oid, pgtype.TextFormatCode, data)
	}
	return string(data), nil
}

// flush hands the committed events to consumer in batches. Only the last
// batch moves the offset to the commit, earlier ones keep prev so a restart
// replays the whole transaction.
func (d *decoder) flush(prev, commit pglogrepl.LSN, batchSize int, consumer core.Consumer) error {
	events := d.pending
	d.pending = nil
	if len(events) == 0 {
		return nil
	}
	held, err := core.EncodeOffset(streamOffset{LSN: prev.String()})
	if err != nil {
		return err
	}
	next, err := core.EncodeOffset(streamOffset{LSN: commit.String()})
	if err != nil {
		return err
	}
	if batchSize <= 0 {
		batchSize = len(events)
	}
	for len(events) > 0 {
		n := batchSize
		if n > len(events) {
			n = len(events)
		}
		off := held
		if n == len(events) {
			off = next
		}
		if err := consumer(events[:n], off); err != nil {
			return err
		}
		events = events[n:]
	}
	return nil
}
