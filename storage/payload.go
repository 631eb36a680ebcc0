package storage

import (
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

// encodeBoard serializes the whole task collection for storage.
func encodeBoard(tasks []domain.Task) ([]byte, error) {
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return json.Marshal(tasks)
}

// decodeBoard parses a stored payload. A malformed payload is logged and
// treated as an empty board rather than failing the reader.
func decodeBoard(logger *log.Logger, boardID string, data []byte) []domain.Task {
	if len(data) == 0 {
		return []domain.Task{}
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		if logger != nil {
			logger.WithError(err).WithField("board", boardID).Warn("malformed board payload, treating as empty")
		}
		return []domain.Task{}
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks
}
