// Package bigquery collects rows from a BigQuery audit or log table.
//
// The instance supplies a query with a @start parameter; each run binds
// the stream's watermark to it and pages through the result. Rows must
// expose an identifier column and a timestamp column, named through
// instance parameters; the full row is delivered as a JSON object.
package bigquery

import (
	"context"
	"time"

	bq "cloud.google.com/go/bigquery"
	json "github.com/goccy/go-json"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/canopyhq/canopy/pkg/config"
	"github.com/canopyhq/canopy/pkg/connector"
	"github.com/canopyhq/canopy/pkg/errors"
	"github.com/canopyhq/canopy/pkg/models"
	"github.com/canopyhq/canopy/pkg/secrets"
)

const (
	// Kind is the connector kind registered for this source.
	Kind = "bigquery"

	defaultLookback = 24 * time.Hour

	// continueToken signals the engine to keep polling the open row
	// iterator; BigQuery result paging is driven by the iterator, not
	// by a resumable token.
	continueToken = "rows-remaining"
)

func init() {
	connector.Register(Kind, func() connector.Source { return &Source{} })
}

// Source runs a parameterized BigQuery query and streams its rows. The
// row iterator lives for the duration of one run; sources are built
// fresh per run so no iterator outlives its query job.
type Source struct {
	client *bq.Client
	query  string
	idCol  string
	tsCol  string
	rows   *bq.RowIterator
}

// Kind implements connector.Source.
func (s *Source) Kind() string { return Kind }

// Order implements connector.Source. Queries order by the timestamp
// column, and second-granularity timestamps collide, so the stream
// checkpoints chronologically with the identifier tie-break.
func (s *Source) Order() connector.Order { return connector.Chronological }

// Configure implements connector.Source.
func (s *Source) Configure(ctx context.Context, instance *config.Instance, sec secrets.Source) error {
	project := instance.Param("project", "")
	if project == "" {
		return errors.Newf(errors.ErrorTypeConfig, "bigquery instance %s requires a project parameter", instance.Name)
	}
	s.query = instance.Param("query", "")
	if s.query == "" {
		return errors.Newf(errors.ErrorTypeConfig, "bigquery instance %s requires a query parameter", instance.Name)
	}
	s.idCol = instance.Param("id_column", "insert_id")
	s.tsCol = instance.Param("timestamp_column", "timestamp")

	var opts []option.ClientOption
	if ref, err := instance.SecretRef("credentials_json"); err == nil {
		creds, err := sec.Resolve(ctx, ref)
		if err != nil {
			return err
		}
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	}

	client, err := bq.NewClient(ctx, project, opts...)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeAuthentication, "failed to create BigQuery client")
	}
	s.client = client
	return nil
}

// DefaultStart implements connector.Source.
func (s *Source) DefaultStart() string {
	return connector.FormatTime(time.Now().Add(-defaultLookback))
}

// Poll implements connector.Source. The first poll starts the query
// job; subsequent polls drain the same iterator.
func (s *Source) Poll(ctx context.Context, req connector.Request) (*connector.Page, error) {
	if s.rows == nil {
		start, err := time.Parse(time.RFC3339Nano, req.Watermark)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid query watermark")
		}

		q := s.client.Query(s.query)
		q.Parameters = []bq.QueryParameter{{Name: "start", Value: start.UTC()}}
		rows, err := q.Read(ctx)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "BigQuery query failed")
		}
		s.rows = rows
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 500
	}

	page := &connector.Page{}
	for len(page.Entries) < limit {
		var row map[string]bq.Value
		err := s.rows.Next(&row)
		if err == iterator.Done {
			return page, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "BigQuery row read failed")
		}

		entry, err := s.normalize(row)
		if err != nil {
			return nil, err
		}
		page.Entries = append(page.Entries, entry)
	}

	page.PageToken = continueToken
	return page, nil
}

// normalize turns one result row into a log entry. The identifier and
// timestamp columns are required; everything else rides along in the
// payload.
func (s *Source) normalize(row map[string]bq.Value) (models.LogEntry, error) {
	id, ok := row[s.idCol].(string)
	if !ok || id == "" {
		return models.LogEntry{}, errors.Newf(errors.ErrorTypeData, "row missing identifier column %q", s.idCol)
	}
	ts, ok := row[s.tsCol].(time.Time)
	if !ok {
		return models.LogEntry{}, errors.Newf(errors.ErrorTypeData, "row missing timestamp column %q", s.tsCol)
	}

	payload, err := json.Marshal(row)
	if err != nil {
		return models.LogEntry{}, errors.Wrap(err, errors.ErrorTypeData, "failed to encode row")
	}
	return connector.Entry(id, ts, payload), nil
}
