// Package db persists attestation artifacts in PostgreSQL. The stores here
// are write-mostly: the kernel's derived state is rebuilt from the event log,
// and these tables exist for querying history over the API.
package db

import (
	"context"
	_ "embed"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/attestia/internal/canonical"
	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init works
// inside runtime images that do not carry internal/db/schema.sql.
//
//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, errs.Wrap(errs.NetworkError, err, "unable to connect to database")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.NetworkError, err, "database ping failed")
	}
	log.Println("Connected to PostgreSQL for attestation storage")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return errs.Wrap(errs.NetworkError, err, "failed to execute schema migrations")
	}
	log.Println("Attestation schema initialized")
	return nil
}

// GetPool exposes the connection pool for subsystems sharing the database,
// such as the Postgres-backed event store.
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}

// SaveReconciliation persists a reconciliation report together with the
// attestation it produced in one transaction: either both land or neither.
func (s *PostgresStore) SaveReconciliation(ctx context.Context, report models.ReconciliationReport, att models.Attestation) error {
	reportDoc, err := canonical.Marshal(report)
	if err != nil {
		return err
	}
	attDoc, err := canonical.Marshal(att)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Wrap(errs.NetworkError, err, "begin reconciliation save")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertReportSQL := `
		INSERT INTO reconciliation_reports
			(report_id, bundle_hash, matched_count, mismatch_count, missing_count, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (report_id) DO UPDATE
		SET bundle_hash = EXCLUDED.bundle_hash, doc = EXCLUDED.doc;
	`
	_, err = tx.Exec(ctx, insertReportSQL,
		report.ReportID, report.BundleHash,
		report.MatchedCount, report.MismatchCount, report.MissingCount, reportDoc)
	if err != nil {
		return errs.Wrap(errs.NetworkError, err, "insert reconciliation report")
	}

	insertAttestationSQL := `
		INSERT INTO attestations
			(id, report_id, snapshot_hash, state_count, attested_by, attested_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET report_id = EXCLUDED.report_id, doc = EXCLUDED.doc;
	`
	_, err = tx.Exec(ctx, insertAttestationSQL,
		att.ID, att.ReportID, att.SnapshotHash, att.StateCount,
		att.AttestedBy, att.AttestedAt, attDoc)
	if err != nil {
		return errs.Wrap(errs.NetworkError, err, "insert attestation")
	}

	return tx.Commit(ctx)
}

// GetAttestation loads one attestation by id.
func (s *PostgresStore) GetAttestation(ctx context.Context, id string) (models.Attestation, error) {
	var att models.Attestation
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM attestations WHERE id = $1`, id).Scan(&att)
	if err == pgx.ErrNoRows {
		return models.Attestation{}, errs.E(errs.NotFound, "attestation %s not found", id)
	}
	if err != nil {
		return models.Attestation{}, errs.Wrap(errs.NetworkError, err, "load attestation %s", id)
	}
	return att, nil
}

// ListAttestations pages attestations newest-first.
func (s *PostgresStore) ListAttestations(ctx context.Context, page, limit int) ([]models.Attestation, int, error) {
	page, limit, offset := clampPage(page, limit)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM attestations`).Scan(&total); err != nil {
		return nil, 0, errs.Wrap(errs.NetworkError, err, "count attestations")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM attestations
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, errs.Wrap(errs.NetworkError, err, "list attestations page %d", page)
	}
	defer rows.Close()

	out := make([]models.Attestation, 0, limit)
	for rows.Next() {
		var att models.Attestation
		if err := rows.Scan(&att); err != nil {
			return nil, 0, errs.Wrap(errs.NetworkError, err, "scan attestation")
		}
		out = append(out, att)
	}
	if rows.Err() != nil {
		return nil, 0, errs.Wrap(errs.NetworkError, rows.Err(), "list attestations")
	}
	return out, total, nil
}

// GetReconciliationReport loads one report by id.
func (s *PostgresStore) GetReconciliationReport(ctx context.Context, reportID string) (models.ReconciliationReport, error) {
	var report models.ReconciliationReport
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM reconciliation_reports WHERE report_id = $1`, reportID).Scan(&report)
	if err == pgx.ErrNoRows {
		return models.ReconciliationReport{}, errs.E(errs.NotFound, "reconciliation report %s not found", reportID)
	}
	if err != nil {
		return models.ReconciliationReport{}, errs.Wrap(errs.NetworkError, err, "load report %s", reportID)
	}
	return report, nil
}

// SaveVerifierReport upserts one verifier run.
func (s *PostgresStore) SaveVerifierReport(ctx context.Context, report models.VerifierReport) error {
	doc, err := canonical.Marshal(report)
	if err != nil {
		return err
	}
	sql := `
		INSERT INTO verifier_reports (report_id, verifier_id, verdict, bundle_hash, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (report_id) DO UPDATE
		SET verdict = EXCLUDED.verdict, doc = EXCLUDED.doc;
	`
	if _, err := s.pool.Exec(ctx, sql,
		report.ReportID, report.VerifierID, string(report.Verdict), report.BundleHash, doc); err != nil {
		return errs.Wrap(errs.NetworkError, err, "insert verifier report")
	}
	return nil
}

// ListVerifierReports pages the reports filed against one bundle hash.
func (s *PostgresStore) ListVerifierReports(ctx context.Context, bundleHash string, page, limit int) ([]models.VerifierReport, int, error) {
	page, limit, offset := clampPage(page, limit)

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM verifier_reports WHERE bundle_hash = $1`, bundleHash).Scan(&total); err != nil {
		return nil, 0, errs.Wrap(errs.NetworkError, err, "count verifier reports")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM verifier_reports
		WHERE bundle_hash = $1
		ORDER BY created_at DESC, report_id DESC
		LIMIT $2 OFFSET $3`, bundleHash, limit, offset)
	if err != nil {
		return nil, 0, errs.Wrap(errs.NetworkError, err, "list verifier reports page %d", page)
	}
	defer rows.Close()

	out := make([]models.VerifierReport, 0, limit)
	for rows.Next() {
		var report models.VerifierReport
		if err := rows.Scan(&report); err != nil {
			return nil, 0, errs.Wrap(errs.NetworkError, err, "scan verifier report")
		}
		out = append(out, report)
	}
	if rows.Err() != nil {
		return nil, 0, errs.Wrap(errs.NetworkError, rows.Err(), "list verifier reports")
	}
	return out, total, nil
}

// SaveWitnessRecord persists proof that a payload was anchored on-chain.
func (s *PostgresStore) SaveWitnessRecord(ctx context.Context, rec models.WitnessRecord) error {
	doc, err := canonical.Marshal(rec)
	if err != nil {
		return err
	}
	sql := `
		INSERT INTO witness_records (id, chain_id, tx_hash, ledger_index, witness_account, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET ledger_index = EXCLUDED.ledger_index, doc = EXCLUDED.doc;
	`
	if _, err := s.pool.Exec(ctx, sql,
		rec.ID, rec.ChainID, rec.TxHash, rec.LedgerIndex, rec.WitnessAccount, doc); err != nil {
		return errs.Wrap(errs.NetworkError, err, "insert witness record")
	}
	return nil
}

// GetWitnessRecord loads the record anchoring a transaction on a chain.
func (s *PostgresStore) GetWitnessRecord(ctx context.Context, chainID, txHash string) (models.WitnessRecord, error) {
	var rec models.WitnessRecord
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM witness_records WHERE chain_id = $1 AND tx_hash = $2`,
		chainID, txHash).Scan(&rec)
	if err == pgx.ErrNoRows {
		return models.WitnessRecord{}, errs.E(errs.NotFound, "witness record %s/%s not found", chainID, txHash)
	}
	if err != nil {
		return models.WitnessRecord{}, errs.Wrap(errs.NetworkError, err, "load witness record %s/%s", chainID, txHash)
	}
	return rec, nil
}

func clampPage(page, limit int) (int, int, int) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	return page, limit, (page - 1) * limit
}
