package postgres

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
	if _, err := c.pool.Exec(ctx, createTableSQL(c.cfg.Schema, t)); err != nil {
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
	for _, stmt := range addColumnsSQL(c.cfg.Schema, existing[0], t) {
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "failed to alter table").WithDetail("table", t.ID)
		}
	}
	return nil
}

func (c *Connector) clearTable(ctx context.Context, _ *core.ConnectorContext, e *models.ClearTable) error {
	if _, err := c.pool.Exec(ctx, "TRUNCATE TABLE "+qualified(c.cfg.Schema, e.TableID)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to truncate table").WithDetail("table", e.TableID)
	}
	return nil
}

func (c *Connector) dropTable(ctx context.Context, _ *core.ConnectorContext, e *models.DropTable) error {
	if _, err := c.pool.Exec(ctx, "DROP TABLE IF EXISTS "+qualified(c.cfg.Schema, e.TableID)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to drop table").WithDetail("table", e.TableID)
	}
	c.logger.Info("table dropped", zap.String("table", e.TableID))
	return nil
}

// writeRecord applies the events in one transaction. Each event runs under
// its own savepoint so a failing event is reported without losing the others.
func (c *Connector) writeRecord(ctx context.Context, cc *core.ConnectorContext, events []models.RecordEvent, table *schema.Table, consumer func(*core.WriteListResult)) error {
	update := cc.NodeConfig.StringOr("insertPolicy", InsertUpdateOnExists) != InsertIgnoreOnExists
	result := core.NewWriteListResult()

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, e := range events {
		var stmt string
		var params []interface{}
		switch v := e.(type) {
		case *models.InsertRecord:
			stmt, params = insertSQL(c.cfg.Schema, table, v.After, update)
		case *models.UpdateRecord:
			stmt, params = updateSQL(c.cfg.Schema, table, v.Before, v.After)
		case *models.DeleteRecord:
			stmt, params = deleteSQL(c.cfg.Schema, table, v.Before)
		default:
			result.AddError(e, errors.Newf(errors.ErrorTypeValidation, "unsupported event %T", e))
			continue
		}

		sp, err := tx.Begin(ctx)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create savepoint")
		}
		tag, err := sp.Exec(ctx, stmt, params...)
		if err != nil {
			_ = sp.Rollback(ctx)
			result.AddError(e, err)
			continue
		}
		if err := sp.Commit(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to release savepoint")
		}

		switch e.(type) {
		case *models.InsertRecord:
			result.Inserted += tag.RowsAffected()
		case *models.UpdateRecord:
			if tag.RowsAffected() == 0 {
				result.AddError(e, errors.New(errors.ErrorTypeNotFound, "no row matches the update key"))
				continue
			}
			result.Modified += tag.RowsAffected()
		case *models.DeleteRecord:
			result.Removed += tag.RowsAffected()
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeWriteBatch, "failed to commit batch")
	}
	consumer(result)
	return nil
}
