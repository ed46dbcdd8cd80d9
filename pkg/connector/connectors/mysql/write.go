package mysql

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/models"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

// Insert policies of target nodes
const (
	InsertUpdateOnExists = "update_on_exists"
	InsertIgnoreOnExists = "ignore_on_exists"
)

func (c *Connector) createTable(ctx context.Context, _ *core.ConnectorContext, e *models.CreateTable) error {
	t := e.Table.Clone()
	t.ID = e.TableID
	if _, err := c.db.ExecContext(ctx, createTableSQL(t)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to create table").WithDetail("table", t.ID)
	}
	c.logger.Info("table created", zap.String("table", t.ID), zap.Int("fields", len(t.Fields)))
	return nil
}

// alterTable adds the columns the table does not have yet
func (c *Connector) alterTable(ctx context.Context, cc *core.ConnectorContext, e *models.AlterTable) error {
	existing, err := c.DiscoverSchema(ctx, cc, []string{e.TableID})
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return errors.Newf(errors.ErrorTypeNotFound, "table %s does not exist", e.TableID)
	}
	t := e.Table.Clone()
	t.ID = e.TableID
	stmt := addColumnsSQL(existing[0], t)
	if stmt == "" {
		return nil
	}
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to alter table").WithDetail("table", t.ID)
	}
	return nil
}

func (c *Connector) clearTable(ctx context.Context, _ *core.ConnectorContext, e *models.ClearTable) error {
	if _, err := c.db.ExecContext(ctx, "TRUNCATE TABLE "+quote(e.TableID)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to truncate table").WithDetail("table", e.TableID)
	}
	return nil
}

func (c *Connector) dropTable(ctx context.Context, _ *core.ConnectorContext, e *models.DropTable) error {
	if _, err := c.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quote(e.TableID)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to drop table").WithDetail("table", e.TableID)
	}
	c.logger.Info("table dropped", zap.String("table", e.TableID))
	return nil
}

// writeRecord applies the events in one transaction. A failed statement does
// not abort a MySQL transaction, so the remaining events still apply.
func (c *Connector) writeRecord(ctx context.Context, cc *core.ConnectorContext, events []models.RecordEvent, table *schema.Table, consumer func(*core.WriteListResult)) error {
	update := cc.NodeConfig.StringOr("insertPolicy", InsertUpdateOnExists) != InsertIgnoreOnExists
	result := core.NewWriteListResult()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range events {
		var stmt string
		var params []interface{}
		switch v := e.(type) {
		case *models.InsertRecord:
			stmt, params = insertSQL(table, v.After, update)
		case *models.UpdateRecord:
			stmt, params = updateSQL(table, v.Before, v.After)
		case *models.DeleteRecord:
			stmt, params = deleteSQL(table, v.Before)
		default:
			result.AddError(e, errors.Newf(errors.ErrorTypeValidation, "unsupported event %T", e))
			continue
		}

		res, err := tx.ExecContext(ctx, stmt, params...)
		if err != nil {
			result.AddError(e, err)
			continue
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeWriteBatch, "failed to read affected rows")
		}

		switch e.(type) {
		case *models.InsertRecord:
			// a duplicate key update reports 2
			if n > 0 {
				result.Inserted++
			}
		case *models.UpdateRecord:
			if n == 0 {
				result.AddError(e, errors.New(errors.ErrorTypeNotFound, "no row matches the update key"))
				continue
			}
			result.Modified += n
		case *models.DeleteRecord:
			result.Removed += n
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeWriteBatch, "failed to commit batch")
	}
	consumer(result)
	return nil
}
