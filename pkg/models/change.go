package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Table string

const (
	TableProducts Table = "products"
	TableOrders   Table = "orders"
	TableSettings Table = "settings"
)

// SettingsID is the record id of the settings singleton.
const SettingsID = "singleton"

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
	// ChangeResync tells subscribers that events may have been missed and the
	// full state should be reloaded. It carries no record.
	ChangeResync ChangeType = "RESYNC"
)

// ChangeEvent is one row change on a watched table.
type ChangeEvent struct {
	EventID   string          `json:"event_id"`
	Table     Table           `json:"table"`
	Type      ChangeType      `json:"type"`
	RecordID  string          `json:"record_id"`
	Record    json.RawMessage `json:"record,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	EventTime time.Time       `json:"event_time"`
}

func NewChangeEvent(table Table, changeType ChangeType, recordID string, record interface{}, origin string) (ChangeEvent, error) {
	event := ChangeEvent{
		EventID:   uuid.New().String(),
		Table:     table,
		Type:      changeType,
		RecordID:  recordID,
		Origin:    origin,
		EventTime: time.Now().UTC(),
	}
	if record != nil {
		data, err := json.Marshal(record)
		if err != nil {
			return ChangeEvent{}, fmt.Errorf("failed to marshal %s record: %w", table, err)
		}
		event.Record = data
	}
	return event, nil
}

func ResyncEvent(origin string) ChangeEvent {
	return ChangeEvent{
		EventID:   uuid.New().String(),
		Type:      ChangeResync,
		Origin:    origin,
		EventTime: time.Now().UTC(),
	}
}

func (e ChangeEvent) DecodeProduct() (*Product, error) {
	var p Product
	if err := json.Unmarshal(e.Record, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (e ChangeEvent) DecodeOrder() (*Order, error) {
	var o Order
	if err := json.Unmarshal(e.Record, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (e ChangeEvent) DecodeSettings() (*Settings, error) {
	var s Settings
	if err := json.Unmarshal(e.Record, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
