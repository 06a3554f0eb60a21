// Package trace collects residency and scheduling decision records for
// offline inspection. A nil *Collector is a valid no-op sink.
package trace

import (
	"encoding/json"
	"io"
	"sync"
)

// Collector accumulates records in memory.
type Collector struct {
	mu      sync.Mutex
	records []Record
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{records: make([]Record, 0)}
}

// Record appends one decision record. Safe for concurrent use; a nil
// receiver drops the record.
func (c *Collector) Record(r Record) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.records = append(c.records, r)
	c.mu.Unlock()
}

// Records returns a copy of the collected records in append order.
func (c *Collector) Records() []Record {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.records...)
}

// Len returns the number of collected records.
func (c *Collector) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// WriteJSONL streams the records to w, one JSON object per line.
func (c *Collector) WriteJSONL(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, r := range c.Records() {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
