package state

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/leapstack-labs/leapcompare/pkg/core"
)

// cursor is the position of the last run on a page.
type cursor struct {
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"id"`
}

func encodeCursor(c cursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(s string) (cursor, error) {
	var c cursor
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("%w: %v", core.ErrInvalidCursor, err)
	}
	if err := json.Unmarshal(data, &c); err != nil || c.ID == "" {
		return c, fmt.Errorf("%w: malformed payload", core.ErrInvalidCursor)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}
