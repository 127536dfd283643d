// Localcloud
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package table

import (
	"time"

	"github.com/gravitational/localcloud/lib/dynamo/attr"
)

// AttributeDefinition declares the type of a key attribute.
type AttributeDefinition struct {
	Name string
	// Type is the scalar type code: S, N, or B.
	Type string
}

// KeyElement is one element of a key schema.
type KeyElement struct {
	Name string
	// KeyType is HASH or RANGE.
	KeyType string
}

// Schema is a validated table key schema.
type Schema struct {
	Hash  KeyElement
	Range *KeyElement
	// types maps key attribute name to its declared scalar type.
	types map[string]string
}

// HasRange reports whether the schema has a sort key.
func (s *Schema) HasRange() bool { return s.Range != nil }

// KeyAttributes returns the key attribute names as a set.
func (s *Schema) KeyAttributes() map[string]bool {
	out := map[string]bool{s.Hash.Name: true}
	if s.Range != nil {
		out[s.Range.Name] = true
	}
	return out
}

// Description is the table metadata returned by Create/Delete/DescribeTable.
type Description struct {
	Name        string
	ID          string
	ARN         string
	Status      string
	Created     time.Time
	Attributes  []AttributeDefinition
	KeySchema   []KeyElement
	BillingMode string
	ItemCount   int64
	SizeBytes   int64
}

// PutItemInput carries one PutItem request.
type PutItemInput struct {
	Item         attr.Item
	Condition    string
	Names        map[string]string
	Values       map[string]attr.Value
	ReturnValues string
}

// GetItemInput carries one GetItem request.
type GetItemInput struct {
	Key        attr.Item
	Projection string
	Names      map[string]string
}

// UpdateItemInput carries one UpdateItem request.
type UpdateItemInput struct {
	Key          attr.Item
	Update       string
	Condition    string
	Names        map[string]string
	Values       map[string]attr.Value
	ReturnValues string
}

// DeleteItemInput carries one DeleteItem request.
type DeleteItemInput struct {
	Key          attr.Item
	Condition    string
	Names        map[string]string
	Values       map[string]attr.Value
	ReturnValues string
}

// QueryInput carries one Query request.
type QueryInput struct {
	KeyCondition      string
	Filter            string
	Projection        string
	Names             map[string]string
	Values            map[string]attr.Value
	Limit             int
	ExclusiveStartKey attr.Item
	ScanForward       bool
}

// ScanInput carries one Scan request.
type ScanInput struct {
	Filter            string
	Projection        string
	Names             map[string]string
	Values            map[string]attr.Value
	Limit             int
	ExclusiveStartKey attr.Item
	Segment           int
	TotalSegments     int
}

// Page is one page of Query or Scan results.
type Page struct {
	Items []attr.Item
	// Count is the number of items returned after filtering.
	Count int
	// ScannedCount is the number of key matches evaluated.
	ScannedCount int
	// LastEvaluatedKey is set when more matches remain past the limit.
	LastEvaluatedKey attr.Item
}
