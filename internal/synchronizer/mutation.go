package synchronizer

import (
	"errors"
	"fmt"

	"github.com/jogardn/storefront/pkg/models"
)

var ErrInvalidMutation = errors.New("invalid mutation")

// Validate checks that m names a known table and carries the record its
// type requires.
func (m Mutation) Validate() error {
	switch m.Type {
	case models.ChangeInsert, models.ChangeUpdate, models.ChangeDelete:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMutation, m.Type)
	}

	switch m.Table {
	case models.TableProducts:
		if m.ID == "" {
			return fmt.Errorf("%w: missing product id", ErrInvalidMutation)
		}
		if m.Type != models.ChangeDelete && m.Product == nil {
			return fmt.Errorf("%w: missing product record", ErrInvalidMutation)
		}
	case models.TableOrders:
		if m.ID == "" {
			return fmt.Errorf("%w: missing order id", ErrInvalidMutation)
		}
		if m.Type != models.ChangeDelete && m.Order == nil {
			return fmt.Errorf("%w: missing order record", ErrInvalidMutation)
		}
	case models.TableSettings:
		if m.Type == models.ChangeDelete {
			return fmt.Errorf("%w: settings cannot be deleted", ErrInvalidMutation)
		}
		if m.Settings == nil {
			return fmt.Errorf("%w: missing settings record", ErrInvalidMutation)
		}
	default:
		return fmt.Errorf("%w: unknown table %q", ErrInvalidMutation, m.Table)
	}
	return nil
}

func ProductMutation(changeType models.ChangeType, p models.Product) Mutation {
	return Mutation{Table: models.TableProducts, Type: changeType, ID: p.ID, Product: &p}
}

func OrderMutation(changeType models.ChangeType, o models.Order) Mutation {
	return Mutation{Table: models.TableOrders, Type: changeType, ID: o.ID, Order: &o}
}

func SettingsMutation(s models.Settings) Mutation {
	return Mutation{Table: models.TableSettings, Type: models.ChangeUpdate, ID: models.SettingsID, Settings: &s}
}

func DeleteMutation(table models.Table, id string) Mutation {
	return Mutation{Table: table, Type: models.ChangeDelete, ID: id}
}

func mutationFromEvent(event models.ChangeEvent) (Mutation, error) {
	m := Mutation{Table: event.Table, Type: event.Type, ID: event.RecordID}
	if event.Type == models.ChangeDelete {
		return m, m.Validate()
	}
	if len(event.Record) == 0 {
		return Mutation{}, fmt.Errorf("%w: %s event without record", ErrInvalidMutation, event.Type)
	}

	switch event.Table {
	case models.TableProducts:
		p, err := event.DecodeProduct()
		if err != nil {
			return Mutation{}, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
		}
		if p.ID == "" {
			p.ID = event.RecordID
		}
		if p.ID != event.RecordID {
			return Mutation{}, fmt.Errorf("%w: record id %q does not match event id %q", ErrInvalidMutation, p.ID, event.RecordID)
		}
		m.Product = p
	case models.TableOrders:
		o, err := event.DecodeOrder()
		if err != nil {
			return Mutation{}, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
		}
		if o.ID == "" {
			o.ID = event.RecordID
		}
		if o.ID != event.RecordID {
			return Mutation{}, fmt.Errorf("%w: record id %q does not match event id %q", ErrInvalidMutation, o.ID, event.RecordID)
		}
		m.Order = o
	case models.TableSettings:
		s, err := event.DecodeSettings()
		if err != nil {
			return Mutation{}, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
		}
		m.ID = models.SettingsID
		m.Settings = s
	}
	return m, m.Validate()
}
