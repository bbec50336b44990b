package handler

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/cuongbtq/keyword-intel/internal/queue"
	"github.com/cuongbtq/keyword-intel/shared/database"
)

// DecodeJobCursor parses the opaque "millis|id" page token.
func DecodeJobCursor(cursorStr string) (*queue.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	millis, id, ok := strings.Cut(string(decoded), "|")
	if !ok || id == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	if _, err := fmt.Sscanf(millis, "%d", &createdAt); err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &queue.JobCursor{
		CreatedAt: database.FromMillis(createdAt),
		JobID:     id,
	}, nil
}

func EncodeJobCursor(cursor *queue.JobCursor) string {
	cs := fmt.Sprintf("%d|%s", database.Millis(cursor.CreatedAt), cursor.JobID)
	return base64.RawURLEncoding.EncodeToString([]byte(cs))
}
