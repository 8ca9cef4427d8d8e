package sync

import (
	"fmt"

	"gorm.io/gorm"
)

// EntityType names one replicated table in wire format ("jobs", "customers", ...).
type EntityType string

const (
	// EntityTypeJobs is the jobs table.
	EntityTypeJobs EntityType = "jobs"
	// EntityTypeCustomers is the customers table.
	EntityTypeCustomers EntityType = "customers"
	// EntityTypeProducts is the products table.
	EntityTypeProducts EntityType = "products"
)

type entityDescriptor struct {
	model     any
	newRecord func() Record
	collect   func(tx *gorm.DB) ([]Record, error)
}

var entityRegistry = map[EntityType]entityDescriptor{
	EntityTypeJobs: {
		model:     &Job{},
		newRecord: func() Record { return &Job{} },
		collect: func(tx *gorm.DB) ([]Record, error) {
			var rows []Job
			if err := tx.Find(&rows).Error; err != nil {
				return nil, err
			}
			out := make([]Record, len(rows))
			for i := range rows {
				out[i] = &rows[i]
			}
			return out, nil
		},
	},
	EntityTypeCustomers: {
		model:     &Customer{},
		newRecord: func() Record { return &Customer{} },
		collect: func(tx *gorm.DB) ([]Record, error) {
			var rows []Customer
			if err := tx.Find(&rows).Error; err != nil {
				return nil, err
			}
			out := make([]Record, len(rows))
			for i := range rows {
				out[i] = &rows[i]
			}
			return out, nil
		},
	},
	EntityTypeProducts: {
		model:     &Product{},
		newRecord: func() Record { return &Product{} },
		collect: func(tx *gorm.DB) ([]Record, error) {
			var rows []Product
			if err := tx.Find(&rows).Error; err != nil {
				return nil, err
			}
			out := make([]Record, len(rows))
			for i := range rows {
				out[i] = &rows[i]
			}
			return out, nil
		},
	},
}

// entityTypeOrder fixes the processing order so batches and feeds are deterministic.
// Customers precede jobs so a pushed job can reference a customer created in
// the same cycle.
var entityTypeOrder = []EntityType{EntityTypeCustomers, EntityTypeProducts, EntityTypeJobs}

// EntityTypes returns every registered entity type in deterministic order.
func EntityTypes() []EntityType {
	out := make([]EntityType, len(entityTypeOrder))
	copy(out, entityTypeOrder)
	return out
}

// ParseEntityType validates a wire-format entity type name.
func ParseEntityType(value string) (EntityType, error) {
	candidate := EntityType(value)
	if _, ok := entityRegistry[candidate]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, value)
	}
	return candidate, nil
}

func descriptorFor(entityType EntityType) (entityDescriptor, error) {
	desc, ok := entityRegistry[entityType]
	if !ok {
		return entityDescriptor{}, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
	return desc, nil
}

// Models returns the GORM models backing every registered entity type,
// for schema migration.
func Models() []any {
	out := make([]any, 0, len(entityTypeOrder))
	for _, entityType := range entityTypeOrder {
		out = append(out, entityRegistry[entityType].model)
	}
	return out
}
