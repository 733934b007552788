package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/ai-response-service/internal/queue"
)

func DecodeJobCursor(cursorStr string) (*queue.Cursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	// Format: <enqueued_at unix nanos>|<job id>. Job ids may contain '|'.
	decodedParts := strings.SplitN(string(decoded), "|", 2)
	if len(decodedParts) != 2 || decodedParts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var enqueuedAt int64
	_, err = fmt.Sscanf(decodedParts[0], "%d", &enqueuedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid enqueuedAt in cursor: %w", err)
	}

	return &queue.Cursor{
		EnqueuedAt: time.Unix(0, enqueuedAt).UTC(),
		ID:         decodedParts[1],
	}, nil
}

func EncodeJobCursor(cursor *queue.Cursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.EnqueuedAt.UnixNano(), cursor.ID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
