package chat

import (
	"encoding/json"
	"strconv"
	"time"
)

// Item is a single chat record. Content is the raw serialized payload exactly
// as it appears in the log and is never decoded on the way to the client.
type Item struct {
	TS      time.Time
	Content json.RawMessage
}

// MarshalJSON encodes the item as {"ts": <epoch ms>, "content": <raw>}.
func (it Item) MarshalJSON() ([]byte, error) {
	content := it.Content
	if len(content) == 0 {
		content = json.RawMessage("null")
	}
	buf := make([]byte, 0, len(content)+32)
	buf = append(buf, `{"ts":`...)
	buf = strconv.AppendInt(buf, it.TS.UnixMilli(), 10)
	buf = append(buf, `,"content":`...)
	buf = append(buf, content...)
	buf = append(buf, '}')
	return buf, nil
}

// itemTime is the ordering key used when merging timelines.
func itemTime(it Item) int64 { return it.TS.UnixNano() }
