package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/code-payments/purchases-go/ledger"
	"github.com/code-payments/purchases-go/query"
	"github.com/code-payments/purchases-go/storefront"
)

const recordTable = `purchases_ledger`

// Schema is applied by the test harness; deployments manage migrations
// themselves.
const Schema = `
CREATE TABLE IF NOT EXISTS ` + recordTable + ` (
	"transactionId"         TEXT PRIMARY KEY,
	"originalTransactionId" TEXT NOT NULL,
	"productId"             TEXT NOT NULL,
	"productType"           TEXT NOT NULL,
	"appAccountToken"       UUID NOT NULL,
	"state"                 INTEGER NOT NULL,
	"purchasedAt"           TIMESTAMPTZ NOT NULL,
	"revokedAt"             TIMESTAMPTZ,
	"createdAt"             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS purchases_ledger_product_idx ON ` + recordTable + ` ("productId", "purchasedAt");
`

type recordModel struct {
	TransactionID         string       `db:"transactionId"`
	OriginalTransactionID string       `db:"originalTransactionId"`
	ProductID             string       `db:"productId"`
	ProductType           string       `db:"productType"`
	AppAccountToken       string       `db:"appAccountToken"`
	State                 int          `db:"state"`
	PurchasedAt           time.Time    `db:"purchasedAt"`
	RevokedAt             sql.NullTime `db:"revokedAt"`
	CreatedAt             time.Time    `db:"createdAt"`
}

type pgStore struct {
	db *sqlx.DB
}

func NewInPostgres(db *sql.DB) ledger.Store {
	return &pgStore{
		db: sqlx.NewDb(db, "pgx"),
	}
}

func (s *pgStore) reset() {
	_, err := s.db.ExecContext(context.Background(), `DELETE FROM `+recordTable)
	if err != nil {
		panic(err)
	}
}

func (s *pgStore) RecordPurchase(ctx context.Context, record *ledger.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+recordTable+` ("transactionId", "originalTransactionId", "productId", "productType", "appAccountToken", "state", "purchasedAt", "createdAt")
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`,
		record.TransactionID,
		record.OriginalTransactionID,
		record.ProductID,
		string(record.ProductType),
		record.AppAccountToken.String(),
		int(ledger.StateFulfilled),
		record.PurchasedAt,
	)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return ledger.ErrExists
	}
	return err
}

func (s *pgStore) MarkRevoked(ctx context.Context, transactionID string, revokedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+recordTable+`
		SET "state" = $2, "revokedAt" = $3
		WHERE "transactionId" = $1
	`, transactionID, int(ledger.StateRevoked), revokedAt)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *pgStore) GetRecord(ctx context.Context, transactionID string) (*ledger.Record, error) {
	var m recordModel
	err := s.db.GetContext(ctx, &m, `
		SELECT "transactionId", "originalTransactionId", "productId", "productType", "appAccountToken", "state", "purchasedAt", "revokedAt", "createdAt"
		FROM `+recordTable+`
		WHERE "transactionId" = $1
	`, transactionID)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	} else if err != nil {
		return nil, err
	}

	return fromModel(&m)
}

func (s *pgStore) GetRecordsByProduct(ctx context.Context, productID string, options ...query.Option) ([]*ledger.Record, error) {
	applied := query.ApplyOptions(options...)

	order := `ASC`
	if applied.Order == query.Descending {
		order = `DESC`
	}

	var models []recordModel
	err := s.db.SelectContext(ctx, &models, `
		SELECT "transactionId", "originalTransactionId", "productId", "productType", "appAccountToken", "state", "purchasedAt", "revokedAt", "createdAt"
		FROM `+recordTable+`
		WHERE "productId" = $1
		ORDER BY "purchasedAt" `+order+`
		LIMIT $2
	`, productID, applied.Limit)
	if err != nil {
		return nil, err
	}

	records := make([]*ledger.Record, 0, len(models))
	for i := range models {
		record, err := fromModel(&models[i])
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func fromModel(m *recordModel) (*ledger.Record, error) {
	token, err := uuid.Parse(m.AppAccountToken)
	if err != nil {
		return nil, errors.Wrap(err, "parsing app account token")
	}

	record := &ledger.Record{
		TransactionID:         m.TransactionID,
		OriginalTransactionID: m.OriginalTransactionID,
		ProductID:             m.ProductID,
		ProductType:           storefront.ProductType(m.ProductType),
		AppAccountToken:       token,
		State:                 ledger.State(m.State),
		PurchasedAt:           m.PurchasedAt,
		CreatedAt:             m.CreatedAt,
	}
	if m.RevokedAt.Valid {
		revokedAt := m.RevokedAt.Time
		record.RevokedAt = &revokedAt
	}
	return record, nil
}
