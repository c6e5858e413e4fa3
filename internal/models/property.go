package models

import (
	"time"
)

// Canonical property types.
const (
	PropertyApartment      = "apartment"
	PropertyHouse          = "house"
	PropertyDuplexHouse    = "duplex-house"
	PropertyCommercialRoom = "commercial-room"
	PropertyLand           = "land"
	PropertyFarmhouse      = "farmhouse"
)

// Canonical transaction types.
const (
	TransactionSale  = "sale"
	TransactionLease = "lease"
)

const PropertyStatusActive = "active"

type Property struct {
	ID              string    `json:"id" db:"id"`
	TenantID        string    `json:"tenant_id" db:"tenant_id"`
	Title           string    `json:"title" db:"title"`
	PropertyType    string    `json:"property_type" db:"property_type"`
	TransactionType string    `json:"transaction_type" db:"transaction_type"`
	City            string    `json:"city" db:"city"`
	Neighborhood    string    `json:"neighborhood" db:"neighborhood"`
	Price           float64   `json:"price" db:"price"`
	Bedrooms        int       `json:"bedrooms" db:"bedrooms"`
	Status          string    `json:"status" db:"status"`
	ListedAt        time.Time `json:"listed_at" db:"listed_at"`
}

// SearchCriteria holds the normalised search dimensions of one turn.
// An empty field is unspecified and never restricts a search.
type SearchCriteria struct {
	City            string `json:"city,omitempty"`
	TransactionType string `json:"transaction_type,omitempty"`
	PropertyType    string `json:"property_type,omitempty"`
}

func (c SearchCriteria) IsEmpty() bool {
	return c.City == "" && c.TransactionType == "" && c.PropertyType == ""
}

// Merge fills the unspecified fields of c from other.
func (c SearchCriteria) Merge(other SearchCriteria) SearchCriteria {
	if c.City == "" {
		c.City = other.City
	}
	if c.TransactionType == "" {
		c.TransactionType = other.TransactionType
	}
	if c.PropertyType == "" {
		c.PropertyType = other.PropertyType
	}
	return c
}

// PropertyFilter is the query handed to the property store.
type PropertyFilter struct {
	TenantID        string
	City            string
	TransactionType string
	PropertyType    string
	Status          string
	Limit           int
}
