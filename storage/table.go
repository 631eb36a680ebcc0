package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

// boardRowKey is the fixed row key: one entity per board partition.
const boardRowKey = "board"

// TableStore keeps each board as a single table entity with the whole task
// collection serialized into its Payload property, so a save replaces the
// board in one upsert.
type TableStore struct {
	client *aztables.Client
	logger *log.Logger
}

type boardEntity struct {
	aztables.Entity
	Payload string `json:"Payload"`
}

// NewTableStore creates a TableStore from the given connection string.
func NewTableStore(connStr, table string, logger *log.Logger) (*TableStore, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableStore{client: svc.NewClient(table), logger: logger}, nil
}

// EnsureTable creates the backing table, tolerating one that already exists.
func (s *TableStore) EnsureTable(ctx context.Context) error {
	if _, err := s.client.CreateTable(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists) {
			return nil
		}
		return err
	}
	return nil
}

// LoadTasks returns the stored collection. A missing entity or malformed
// payload yields an empty board.
func (s *TableStore) LoadTasks(ctx context.Context, boardID string) ([]domain.Task, error) {
	resp, err := s.client.GetEntity(ctx, boardID, boardRowKey, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return []domain.Task{}, nil
		}
		return nil, err
	}
	var ent boardEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		if s.logger != nil {
			s.logger.WithError(err).WithField("board", boardID).Warn("malformed board entity, treating as empty")
		}
		return []domain.Task{}, nil
	}
	return decodeBoard(s.logger, boardID, []byte(ent.Payload)), nil
}

// SaveTasks replaces the whole collection in a single entity upsert.
func (s *TableStore) SaveTasks(ctx context.Context, boardID string, tasks []domain.Task) error {
	data, err := encodeBoard(tasks)
	if err != nil {
		return err
	}
	ent := map[string]interface{}{
		"PartitionKey": boardID,
		"RowKey":       boardRowKey,
		"Payload":      string(data),
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.client.UpsertEntity(ctx, payload, nil)
	return err
}
