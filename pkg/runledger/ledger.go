// Package runledger records an audit row for every pipeline invocation. Each
// external stage is a paid call, so the ledger is what cost reporting and
// cache-effectiveness analysis are built on. Recording is best-effort.
package runledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// RunRecord is one pipeline invocation outcome.
type RunRecord struct {
	RequestID   string    `bigquery:"request_id"`
	Fingerprint string    `bigquery:"fingerprint"`
	CacheHit    bool      `bigquery:"cache_hit"`
	State       string    `bigquery:"state"` // terminal state: Complete or Failed
	ErrorKind   string    `bigquery:"error_kind"`
	DurationMs  int64     `bigquery:"duration_ms"`
	StartedAt   time.Time `bigquery:"started_at"`
}

// Recorder abstracts the ledger destination so the HTTP layer can be tested
// without a warehouse connection.
type Recorder interface {
	Record(ctx context.Context, record *RunRecord) error
	Close() error
}

// BigQueryConfig holds configuration for the ledger dataset and table.
type BigQueryConfig struct {
	DatasetID       string
	TableID         string
	CredentialsFile string // Optional: path to a service account JSON file.
}

// NewProductionBigQueryClient creates a BigQuery client suitable for
// production environments.
func NewProductionBigQueryClient(ctx context.Context, projectID, credentialsFile string, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
		logger.Info().Str("credentials_file", credentialsFile).Msg("Using specified credentials file for BigQuery client.")
	} else {
		logger.Info().Msg("Using Application Default Credentials (ADC) for BigQuery client.")
	}

	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return client, nil
}

// rowInserter matches the subset of *bigquery.Inserter the recorder uses,
// so Record can be tested without a warehouse connection.
type rowInserter interface {
	Put(ctx context.Context, src any) error
}

// BigQueryRecorder streams run records into a BigQuery table.
type BigQueryRecorder struct {
	client   *bigquery.Client
	inserter rowInserter
	logger   zerolog.Logger
}

// NewBigQueryRecorder creates a recorder for the configured table. If the
// table does not exist it is created with a schema inferred from RunRecord.
func NewBigQueryRecorder(ctx context.Context, client *bigquery.Client, cfg BigQueryConfig, logger zerolog.Logger) (*BigQueryRecorder, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}

	logger = logger.With().
		Str("component", "BigQueryRecorder").
		Str("dataset_id", cfg.DatasetID).
		Str("table_id", cfg.TableID).
		Logger()

	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	_, err := tableRef.Metadata(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "notFound") {
			logger.Warn().Msg("Ledger table not found. Attempting to create with inferred schema.")
			inferredSchema, inferErr := bigquery.InferSchema(RunRecord{})
			if inferErr != nil {
				return nil, fmt.Errorf("failed to infer ledger schema: %w", inferErr)
			}
			if createErr := tableRef.Create(ctx, &bigquery.TableMetadata{Schema: inferredSchema}); createErr != nil {
				return nil, fmt.Errorf("failed to create ledger table %s.%s: %w", cfg.DatasetID, cfg.TableID, createErr)
			}
			logger.Info().Msg("Ledger table created successfully.")
		} else {
			return nil, fmt.Errorf("failed to get ledger table metadata: %w", err)
		}
	}

	return &BigQueryRecorder{
		client:   client,
		inserter: tableRef.Inserter(),
		logger:   logger,
	}, nil
}

// Record streams one run record. Row-level failures are logged with their
// detail; the caller treats any error as best-effort.
func (r *BigQueryRecorder) Record(ctx context.Context, record *RunRecord) error {
	if record == nil {
		return nil
	}
	err := r.inserter.Put(ctx, record)
	if err != nil {
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				r.logger.Error().Int("row_index", rowErr.RowIndex).Errs("errors", rowInsertionErrors(rowErr)).Msg("Ledger row insertion failed.")
			}
		}
		return fmt.Errorf("ledger insert: %w", err)
	}
	r.logger.Debug().Str("request_id", record.RequestID).Msg("Run recorded.")
	return nil
}

func rowInsertionErrors(rowErr bigquery.RowInsertionError) []error {
	errs := make([]error, 0, len(rowErr.Errors))
	for _, e := range rowErr.Errors {
		errs = append(errs, e)
	}
	return errs
}

// Close is a no-op as the BigQuery client's lifecycle is managed externally.
func (r *BigQueryRecorder) Close() error {
	return nil
}
